package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// HeaderAPIKey is accepted when no Authorization bearer is present.
const HeaderAPIKey = "X-API-Key"

// IdentityAuthenticator resolves the caller of a request.
type IdentityAuthenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// AuthenticatorFunc adapts a function to IdentityAuthenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	return f(ctx, r)
}

// APIKeyValidation is the identity store's answer for a key hash.
type APIKeyValidation struct {
	IsValid  bool
	AgentID  string
	UserID   string
	APIKeyID string
}

// APIKeyStore validates hashed API keys.
type APIKeyStore interface {
	ValidateAPIKey(ctx context.Context, keyHash string) (*APIKeyValidation, error)
}

// Authenticator validates bearer API keys against an APIKeyStore.
type Authenticator struct {
	store  APIKeyStore
	logger logrus.FieldLogger
}

// NewAuthenticator creates a store-backed authenticator.
func NewAuthenticator(store APIKeyStore, logger logrus.FieldLogger) *Authenticator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Authenticator{store: store, logger: logger.WithField("component", "authenticator")}
}

// Authenticate extracts the credential and validates it. Missing or rejected
// credentials yield an authentication *Error; store failures are returned
// wrapped and untyped.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	key := ExtractCredential(r)
	if key == "" {
		return nil, NewAuthenticationError("Missing API key")
	}

	result, err := a.store.ValidateAPIKey(ctx, HashAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("api key validation: %w", err)
	}
	if result == nil || !result.IsValid || result.AgentID == "" {
		a.logger.WithField("path", r.URL.Path).Warn("rejected api key")
		return nil, NewAuthenticationError("Invalid API key")
	}

	return &Identity{
		AgentID:  result.AgentID,
		UserID:   result.UserID,
		APIKeyID: result.APIKeyID,
	}, nil
}

// ExtractCredential returns the bearer token or X-API-Key value.
func ExtractCredential(r *http.Request) string {
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
}

// HashAPIKey returns the hex SHA-256 of key, the form the identity store indexes.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authFailure normalizes an authenticator error into an *Error. Typed errors
// pass through; an error whose message is a JSON object with code and message
// is decoded for older authenticators that signal failures that way; anything
// else becomes a generic 401 carrying the message.
func authFailure(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	if e := parseLegacyAuthError(err.Error()); e != nil {
		return e
	}
	e := NewAuthenticationError(fmt.Sprintf("Authentication failed: %s", err.Error()))
	e.Cause = err
	return e
}

func parseLegacyAuthError(msg string) *Error {
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(msg, "{") {
		return nil
	}

	var legacy struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Status  int                    `json:"status"`
		Details map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal([]byte(msg), &legacy); err != nil || legacy.Message == "" {
		return nil
	}

	e := NewAuthenticationError(legacy.Message)
	if legacy.Code != "" {
		e.Code = legacy.Code
	}
	if legacy.Status >= 400 && legacy.Status < 600 {
		e.Status = legacy.Status
	}
	e.Details = legacy.Details
	return e
}
