package keepalive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

type fakeSharedContext struct {
	loaded    atomic.Bool
	stopCalls atomic.Int32
}

func (f *fakeSharedContext) IsLoaded(context.Context) bool { return f.loaded.Load() }
func (f *fakeSharedContext) Stop(context.Context) error {
	f.stopCalls.Add(1)
	f.loaded.Store(false)
	return nil
}

func TestNeverStopDoesNotCallStop(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	sc.loaded.Store(true)
	timer := New(sc, -1, nil)

	timer.OnStateChange(bodhi.ServerStart{})
	timer.OnStateChange(bodhi.ServerChatCompletions{Alias: "test"})

	time.Sleep(50 * time.Millisecond)
	if sc.stopCalls.Load() != 0 {
		t.Errorf("Stop called %d times, want 0 for keep_alive=-1", sc.stopCalls.Load())
	}
	if timer.HasRunningTimer() {
		t.Error("no timer should be running for keep_alive=-1")
	}
}

func TestImmediateStopOnChatCompletion(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	sc.loaded.Store(true)
	timer := New(sc, 0, nil)

	timer.OnStateChange(bodhi.ServerStart{})
	timer.OnStateChange(bodhi.ServerChatCompletions{Alias: "test"})

	if sc.stopCalls.Load() != 1 {
		t.Errorf("Stop called %d times, want 1 for keep_alive=0", sc.stopCalls.Load())
	}
}

func TestTimedStopFiresAfterInterval(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	sc.loaded.Store(true)

	timer2 := New(sc, 1, nil)
	timer2.OnStateChange(bodhi.ServerStart{})
	if !timer2.HasRunningTimer() {
		t.Fatal("expected running timer after Start with keep_alive=1")
	}
	timer2.OnStateChange(bodhi.ServerChatCompletions{Alias: "test"})
	if sc.stopCalls.Load() != 0 {
		t.Errorf("Stop should not be called immediately for keep_alive>0")
	}

	time.Sleep(1200 * time.Millisecond)
	if sc.stopCalls.Load() != 1 {
		t.Errorf("Stop called %d times, want 1 after the timer fires", sc.stopCalls.Load())
	}
}

func TestStopCancelsTimer(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	sc.loaded.Store(true)
	timer := New(sc, 2, nil)

	timer.OnStateChange(bodhi.ServerStart{})
	if !timer.HasRunningTimer() {
		t.Fatal("expected a running timer")
	}
	timer.OnStateChange(bodhi.ServerStop{})
	if timer.HasRunningTimer() {
		t.Error("timer should be cancelled after Stop state")
	}

	time.Sleep(2200 * time.Millisecond)
	if sc.stopCalls.Load() != 0 {
		t.Errorf("Stop called %d times, want 0 (timer was cancelled)", sc.stopCalls.Load())
	}
}

func TestOnChangeRestartsTimerWithNewDuration(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	sc.loaded.Store(true)
	timer := New(sc, -1, nil)

	timer.OnStateChange(bodhi.ServerStart{})
	if timer.HasRunningTimer() {
		t.Fatal("keep_alive=-1 should not start a timer")
	}

	timer.OnChange("BODHI_KEEP_ALIVE_SECS", int64(-1), 0, int64(5), 0)
	if !timer.HasRunningTimer() {
		t.Error("expected a running timer after changing keep_alive to 5")
	}
}

func TestOnChangeIgnoresUnrelatedKey(t *testing.T) {
	t.Parallel()
	sc := &fakeSharedContext{}
	timer := New(sc, -1, nil)
	timer.OnChange("BODHI_LOG_LEVEL", "warn", 0, "debug", 0)
	if timer.HasRunningTimer() {
		t.Error("unrelated key change should not start a timer")
	}
}
