package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/hams-appointments/internal/appointment"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret", "hams")
	want := Identity{ID: "7", Role: appointment.RoleProvider, Email: "lee@example.com", Name: "Dr. Lee"}

	token, err := v.Issue(want, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Actor() != (appointment.Actor{ID: "7", Role: appointment.RoleProvider}) {
		t.Fatalf("actor = %+v", got.Actor())
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", "hams")
	good := Identity{ID: "p1", Role: appointment.RolePatient}

	expired, err := v.Issue(good, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Verify(expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired: %v", err)
	}

	forged, _ := NewVerifier("other", "hams").Issue(good, time.Hour)
	if _, err := v.Verify(forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("forged: %v", err)
	}

	wrongIssuer, _ := NewVerifier("secret", "elsewhere").Issue(good, time.Hour)
	if _, err := v.Verify(wrongIssuer); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("wrong issuer: %v", err)
	}

	badRole, _ := v.Issue(Identity{ID: "x", Role: "admin"}, time.Hour)
	if _, err := v.Verify(badRole); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("bad role: %v", err)
	}

	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("garbage: %v", err)
	}
}

func TestVerifyFallsBackToIDClaim(t *testing.T) {
	v := NewVerifier("secret", "")
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		LegacyID:         "p9",
		Role:             "Patient",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != "p9" || got.Role != appointment.RolePatient {
		t.Fatalf("got %+v", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, err := BearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("BearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no identity")
	}
	ctx := WithIdentity(context.Background(), Identity{ID: "p1", Role: appointment.RolePatient})
	id, ok := FromContext(ctx)
	if !ok || id.ID != "p1" {
		t.Fatalf("FromContext = %+v, %v", id, ok)
	}
}
