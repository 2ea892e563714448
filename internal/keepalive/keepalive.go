// Package keepalive implements the idle-shutdown timer (C7). It listens to
// supervisor state transitions and to BODHI_KEEP_ALIVE_SECS setting
// changes, stopping the supervised child after the configured idle
// interval. Ported near 1:1 from
// original_source/crates/server_app/src/listener_keep_alive.rs
// (ServerKeepAlive), substituting Rust's JoinHandle::abort() with a
// stoppable *time.Timer guarded by a mutex.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/settings"
)

// SharedContext is the subset of the process supervisor the timer needs:
// whether a child is currently loaded, and how to stop it.
type SharedContext interface {
	IsLoaded(ctx context.Context) bool
	Stop(ctx context.Context) error
}

// Timer implements the keep-alive semantics from spec.md 4.7:
//   - < 0: never auto-stop; any running timer is cancelled.
//   - = 0: stop immediately on any idle signal.
//   - > 0: run a single timer; when it fires and the supervisor is loaded,
//     stop it.
//
// Exactly one timer is ever outstanding: a new one is installed only after
// any previous one has been stopped.
type Timer struct {
	mu            sync.Mutex
	keepAliveSecs int64
	timer         *time.Timer
	sc            SharedContext
	logger        *slog.Logger
}

// New constructs a Timer for the given initial keep-alive value.
func New(sc SharedContext, keepAliveSecs int64, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{sc: sc, keepAliveSecs: keepAliveSecs, logger: logger}
}

func (t *Timer) startTimer() {
	t.mu.Lock()
	keepAlive := t.keepAliveSecs

	if keepAlive < 0 {
		t.cancelTimerLocked()
		t.mu.Unlock()
		return
	}

	if keepAlive == 0 {
		t.cancelTimerLocked()
		sc := t.sc
		t.mu.Unlock()
		go func() {
			ctx := context.Background()
			if sc.IsLoaded(ctx) {
				if err := sc.Stop(ctx); err != nil {
					t.logger.LogAttrs(ctx, slog.LevelWarn, "keepalive: error stopping supervisor",
						slog.String("error", err.Error()))
				}
			}
		}()
		return
	}

	sc := t.sc
	logger := t.logger
	newTimer := time.AfterFunc(time.Duration(keepAlive)*time.Second, func() {
		ctx := context.Background()
		if sc.IsLoaded(ctx) {
			logger.LogAttrs(ctx, slog.LevelInfo, "keepalive: stopping supervisor after idle interval")
			if err := sc.Stop(ctx); err != nil {
				logger.LogAttrs(ctx, slog.LevelWarn, "keepalive: error stopping supervisor", slog.String("error", err.Error()))
			}
		}
	})

	t.cancelTimerLocked()
	t.timer = newTimer
	t.mu.Unlock()
}

// cancelTimerLocked assumes mu is held.
func (t *Timer) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Timer) cancelTimer() {
	t.mu.Lock()
	t.cancelTimerLocked()
	t.mu.Unlock()
}

// HasRunningTimer reports whether a timer is currently outstanding; exposed
// for tests.
func (t *Timer) HasRunningTimer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// OnStateChange implements the supervisor state-transition listener.
func (t *Timer) OnStateChange(state bodhi.ServerState) {
	switch s := state.(type) {
	case bodhi.ServerStart:
		t.mu.Lock()
		keepAlive := t.keepAliveSecs
		t.mu.Unlock()
		if keepAlive >= 0 {
			t.startTimer()
		}
	case bodhi.ServerStop:
		t.cancelTimer()
	case bodhi.ServerChatCompletions:
		t.mu.Lock()
		keepAlive := t.keepAliveSecs
		t.mu.Unlock()
		switch {
		case keepAlive < 0:
			// never stop
		case keepAlive == 0:
			ctx := context.Background()
			if err := t.sc.Stop(ctx); err != nil {
				t.logger.LogAttrs(ctx, slog.LevelDebug, "keepalive: error stopping supervisor after chat completion",
					slog.String("error", err.Error()))
			}
		default:
			t.startTimer()
		}
	case bodhi.ServerVariant:
		// no action needed
		_ = s
	default:
		panic("keepalive: unhandled ServerState variant")
	}
}

// OnChange implements settings.Listener, restarting the timer with the new
// duration whenever BODHI_KEEP_ALIVE_SECS changes.
func (t *Timer) OnChange(key string, _ any, _ settings.Source, newValue any, _ settings.Source) {
	if key != settings.KeyBodhiKeepAliveSecs {
		return
	}
	next := settings.DefaultKeepAliveSecs
	if n, ok := asInt64(newValue); ok {
		next = n
	}
	t.mu.Lock()
	t.keepAliveSecs = next
	t.mu.Unlock()
	t.startTimer()
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
