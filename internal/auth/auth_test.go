package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedUnverified(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("any-key-the-client-does-not-verify"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestExpiresWithin(t *testing.T) {
	fresh := signedUnverified(t, time.Now().Add(time.Hour))
	if expiresWithin(fresh, 60*time.Second) {
		t.Fatal("fresh token should not be reported as expiring")
	}

	stale := signedUnverified(t, time.Now().Add(10*time.Second))
	if !expiresWithin(stale, 60*time.Second) {
		t.Fatal("near-expiry token should be reported as expiring")
	}
}

func TestExpiresWithinUnparsableIsExpired(t *testing.T) {
	if !expiresWithin("not-a-jwt", time.Minute) {
		t.Fatal("unparsable token must be treated as expired")
	}
}

func TestStaticProviderPublishesLoginLogout(t *testing.T) {
	p := NewStaticProvider("")
	if p.IsLoggedIn() {
		t.Fatal("empty initial token should start logged out")
	}
	events := p.Events()

	p.SetToken("tok")
	select {
	case ev := <-events:
		if ev.Kind != EventLogin {
			t.Fatalf("kind = %v, want EventLogin", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for login event")
	}
	if !p.IsLoggedIn() || p.Token() != "tok" {
		t.Fatal("expected logged in with token tok")
	}

	p.Logout()
	select {
	case ev := <-events:
		if ev.Kind != EventLogout {
			t.Fatalf("kind = %v, want EventLogout", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for logout event")
	}
	if p.IsLoggedIn() || p.Token() != "" {
		t.Fatal("expected logged out with empty token")
	}
}
