package bodhi

import (
	"context"
	"testing"
	"time"
)

func TestRoleOrdering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		role     Role
		required Role
		want     bool
	}{
		{name: "admin over manager", role: RoleAdmin, required: RoleManager, want: true},
		{name: "admin over user", role: RoleAdmin, required: RoleUser, want: true},
		{name: "manager not over admin", role: RoleManager, required: RoleAdmin, want: false},
		{name: "power user over user", role: RolePowerUser, required: RoleUser, want: true},
		{name: "user not over power user", role: RoleUser, required: RolePowerUser, want: false},
		{name: "equal grants access", role: RoleManager, required: RoleManager, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.role.HasAccessTo(tt.required); got != tt.want {
				t.Errorf("HasAccessTo(%v,%v) = %v, want %v", tt.role, tt.required, got, tt.want)
			}
		})
	}
}

func TestRoleStringAndResourceRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role     Role
		display  string
		resource string
	}{
		{RoleUser, "user", "resource_user"},
		{RolePowerUser, "power_user", "resource_power_user"},
		{RoleManager, "manager", "resource_manager"},
		{RoleAdmin, "admin", "resource_admin"},
	}
	for _, tt := range tests {
		t.Run(tt.display, func(t *testing.T) {
			t.Parallel()
			if got := tt.role.String(); got != tt.display {
				t.Errorf("String() = %q, want %q", got, tt.display)
			}
			if got := tt.role.ResourceRole(); got != tt.resource {
				t.Errorf("ResourceRole() = %q, want %q", got, tt.resource)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"user", "power_user", "manager", "admin"} {
		t.Run(s, func(t *testing.T) {
			t.Parallel()
			r, err := ParseRole(s)
			if err != nil {
				t.Fatalf("ParseRole(%q) error: %v", s, err)
			}
			if r.String() != s {
				t.Errorf("round-trip mismatch: got %q, want %q", r.String(), s)
			}
		})
	}

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		_, err := ParseRole("resource_admin")
		if err == nil {
			t.Fatal("expected error for resource-prefixed role name")
		}
		bodhiErr, ok := AsError(err)
		if !ok || bodhiErr.Code != "invalid_role_name" {
			t.Errorf("expected invalid_role_name error, got %v", err)
		}
	})
}

func TestHighestResourceRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []string
		want  Role
	}{
		{name: "single user", input: []string{"resource_user"}, want: RoleUser},
		{name: "single admin", input: []string{"resource_admin"}, want: RoleAdmin},
		{name: "mixed picks highest", input: []string{"resource_user", "resource_manager"}, want: RoleManager},
		{name: "unknown roles skipped", input: []string{"invalid_role", "resource_power_user", "bad"}, want: RolePowerUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := HighestResourceRole(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("HighestResourceRole(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	t.Run("no valid roles", func(t *testing.T) {
		t.Parallel()
		_, err := HighestResourceRole([]string{"user", "invalid"})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestMaskToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: "***"},
		{name: "exactly 12 chars", raw: "123456789012", want: "***"},
		{name: "13 chars", raw: "bodhiapp_abcd", want: "bod...p_abcd"},
		{name: "long token", raw: "bodhiapp_abcdefghijklmnopqrstuvwxyz", want: "bod...uvwxyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MaskToken(tt.raw); got != tt.want {
				t.Errorf("MaskToken(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCachedTokenExpiryAndHash(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := NewCachedToken("secret-token", now.Add(time.Hour), now)

	if tok.IsExpired(now.Add(time.Minute)) {
		t.Error("token should not be expired 1 minute in")
	}
	if !tok.IsExpired(now.Add(2 * time.Hour)) {
		t.Error("token should be expired after 2 hours")
	}
	if !tok.VerifyHash("secret-token") {
		t.Error("VerifyHash should succeed for the original token")
	}
	if tok.VerifyHash("wrong-token") {
		t.Error("VerifyHash should fail for a different token")
	}
}

func TestAccessRequestTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("draft to approved succeeds", func(t *testing.T) {
		t.Parallel()
		ar := AccessRequest{Status: AccessRequestDraft, ExpiresAt: now.Add(time.Hour)}
		got, err := ar.Transition(AccessRequestApproved, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != AccessRequestApproved {
			t.Errorf("got %v, want Approved", got)
		}
	})

	t.Run("already approved rejects further transition", func(t *testing.T) {
		t.Parallel()
		ar := AccessRequest{Status: AccessRequestApproved, ExpiresAt: now.Add(time.Hour)}
		_, err := ar.Transition(AccessRequestDenied, now)
		if err == nil {
			t.Fatal("expected error for terminal state transition")
		}
	})

	t.Run("expired draft auto-transitions and rejects", func(t *testing.T) {
		t.Parallel()
		ar := AccessRequest{Status: AccessRequestDraft, ExpiresAt: now.Add(-time.Hour)}
		if got := ar.EffectiveStatus(now); got != AccessRequestExpired {
			t.Errorf("EffectiveStatus = %v, want Expired", got)
		}
		_, err := ar.Transition(AccessRequestApproved, now)
		if err == nil {
			t.Fatal("expected error transitioning an expired request")
		}
	})
}

func TestAuthContextFromContextDefaultsAnonymous(t *testing.T) {
	t.Parallel()

	if _, ok := AuthFromContext(context.Background()).(AnonymousAuth); !ok {
		t.Error("expected AnonymousAuth default")
	}

	ctx := ContextWithAuth(context.Background(), SessionAuth{UserID: "u1"})
	auth, ok := AuthFromContext(ctx).(SessionAuth)
	if !ok {
		t.Fatal("expected SessionAuth")
	}
	if auth.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", auth.UserID)
	}
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-abc-123")
	if got := RequestIDFromContext(ctx); got != "req-abc-123" {
		t.Errorf("RequestIDFromContext = %q, want req-abc-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
	}
}

func TestKindHTTPStatusAndType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind       Kind
		wantStatus int
		wantType   string
	}{
		{KindBadRequest, 400, "invalid_request_error"},
		{KindAuthentication, 401, "authentication_error"},
		{KindNotFound, 404, "not_found_error"},
		{KindConflict, 409, "conflict_error"},
		{KindUnprocessableEntity, 422, "unprocessable_entity"},
		{KindInvalidAppState, 503, "invalid_app_state"},
		{KindServiceUnavailable, 503, "service_unavailable"},
		{KindInternal, 500, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			t.Parallel()
			if got := tt.kind.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
			if got := tt.kind.TypeString(); got != tt.wantType {
				t.Errorf("TypeString() = %q, want %q", got, tt.wantType)
			}
		})
	}
}
