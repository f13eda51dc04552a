package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fridgesync/internal/fridge"
)

var (
	// ErrNoToken means no bearer credential has been stored yet.
	ErrNoToken = errors.New("no access token; run `fridgesync auth login`")

	// ErrTokenExpired means the stored credential is a JWT past its expiry.
	ErrTokenExpired = errors.New("access token expired")
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer credential.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", &fridge.AuthError{Err: ErrNoToken}
	}
	return string(t), nil
}

// tokenFile is the on-disk credential format.
type tokenFile struct {
	AccessToken string    `json:"accessToken"`
	SavedAt     time.Time `json:"savedAt"`
}

// FileTokenSource reads the credential from a JSON file on every call, so a
// token refreshed by `auth login` is picked up without a restart. JWTs are
// checked for expiry locally; their signatures are the server's business.
type FileTokenSource struct {
	path  string
	clock fridge.Clock
}

// NewFileTokenSource creates a TokenSource backed by the file at path.
func NewFileTokenSource(path string, clock fridge.Clock) *FileTokenSource {
	return &FileTokenSource{path: path, clock: clock}
}

func (s *FileTokenSource) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", &fridge.AuthError{Err: ErrNoToken}
	}
	if err != nil {
		return "", &fridge.AuthError{Err: fmt.Errorf("reading token file: %w", err)}
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", &fridge.AuthError{Err: fmt.Errorf("decoding token file: %w", err)}
	}
	if tf.AccessToken == "" {
		return "", &fridge.AuthError{Err: ErrNoToken}
	}

	info := Inspect(tf.AccessToken)
	if info.ExpiresAt != nil && !info.ExpiresAt.After(s.clock.Now()) {
		return "", &fridge.AuthError{Err: fmt.Errorf("%w at %s", ErrTokenExpired, info.ExpiresAt.Format(time.RFC3339))}
	}
	return tf.AccessToken, nil
}

// SaveToken writes token to path, readable by the owner only.
func SaveToken(path, token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("empty access token")
	}
	data, err := json.MarshalIndent(tokenFile{AccessToken: token, SavedAt: now}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// TokenInfo is what can be read from a credential without verifying it.
type TokenInfo struct {
	JWT       bool
	Subject   string
	ExpiresAt *time.Time
}

// Inspect decodes the claims of a JWT credential without checking its
// signature. Opaque tokens yield a zero TokenInfo.
func Inspect(token string) TokenInfo {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}
	}
	info := TokenInfo{JWT: true, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		info.ExpiresAt = &exp
	}
	return info
}
