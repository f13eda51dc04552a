package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fridgesync/internal/fridge"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func signedToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestFileTokenSource(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		src := NewFileTokenSource(filepath.Join(t.TempDir(), "token.json"), fixedClock{testNow})
		_, err := src.Token(ctx)
		if !fridge.IsAuth(err) || !errors.Is(err, ErrNoToken) {
			t.Errorf("Token() error = %v, want AuthError wrapping ErrNoToken", err)
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		if err := SaveToken(path, "opaque-abc", testNow); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		got, err := NewFileTokenSource(path, fixedClock{testNow}).Token(ctx)
		if err != nil || got != "opaque-abc" {
			t.Errorf("Token() = %q, %v; want opaque-abc", got, err)
		}
	})

	t.Run("valid jwt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		tok := signedToken(t, "user-1", testNow.Add(time.Hour))
		if err := SaveToken(path, tok, testNow); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		got, err := NewFileTokenSource(path, fixedClock{testNow}).Token(ctx)
		if err != nil || got != tok {
			t.Errorf("Token() = %q, %v", got, err)
		}
	})

	t.Run("expired jwt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		if err := SaveToken(path, signedToken(t, "user-1", testNow.Add(-time.Minute)), testNow); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		_, err := NewFileTokenSource(path, fixedClock{testNow}).Token(ctx)
		if !fridge.IsAuth(err) || !errors.Is(err, ErrTokenExpired) {
			t.Errorf("Token() error = %v, want AuthError wrapping ErrTokenExpired", err)
		}
	})

	t.Run("file is private", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "token.json")
		if err := SaveToken(path, "x", testNow); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("token file mode = %o, want 600", perm)
		}
	})
}

func TestInspect(t *testing.T) {
	info := Inspect(signedToken(t, "user-7", testNow))
	if !info.JWT || info.Subject != "user-7" {
		t.Errorf("Inspect() = %+v, want JWT for user-7", info)
	}
	if info.ExpiresAt == nil || !info.ExpiresAt.Equal(testNow) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, testNow)
	}

	if got := Inspect("not-a-jwt"); got.JWT {
		t.Errorf("Inspect(opaque) = %+v, want zero", got)
	}
}
