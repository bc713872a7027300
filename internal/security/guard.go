// Package security gates author-scoped operations on the function store:
// credential hashing and verification, upload validation, and an
// append-only audit trail.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/customlambda/customlambda/internal/signature"
)

var (
	// ErrUnauthorized means a known identity presented the wrong secret.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownIdentity means the identity is not the author of the function.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Outcome is the result of an author verification.
type Outcome int

const (
	Authorized Outcome = iota
	Denied
	UnknownIdentity
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case UnknownIdentity:
		return "unknown_identity"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Err maps a non-authorized outcome to its sentinel error.
func (o Outcome) Err() error {
	switch o {
	case Authorized:
		return nil
	case UnknownIdentity:
		return ErrUnknownIdentity
	default:
		return ErrUnauthorized
	}
}

// Credentials identify a caller.
type Credentials struct {
	Identity string `json:"identity"`
	Secret   string `json:"-"`
}

// GuardConfig holds configuration for the Guard.
type GuardConfig struct {
	Cost int // bcrypt cost (default: bcrypt.DefaultCost)

	// PrivilegedIdentity may list every function. Empty disables the bypass.
	PrivilegedIdentity string
	// PrivilegedSecretHash is the bcrypt hash of the privileged secret.
	PrivilegedSecretHash string
}

// Guard hashes and verifies author credentials against store markers.
type Guard struct {
	codec          *signature.Codec
	cost           int
	privileged     string
	privilegedHash string
}

// NewGuard creates a Guard that reads author markers with codec.
func NewGuard(codec *signature.Codec, cfg GuardConfig) *Guard {
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	return &Guard{
		codec:          codec,
		cost:           cfg.Cost,
		privileged:     cfg.PrivilegedIdentity,
		privilegedHash: cfg.PrivilegedSecretHash,
	}
}

// Hash returns a salted bcrypt hash of password.
func (g *Guard) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Verify reports whether password matches hash.
func (g *Guard) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyAuthor checks identity/secret against the author marker that follows
// the named function's start marker in lines.
func (g *Guard) VerifyAuthor(identity, secret, name string, lines []string) Outcome {
	m, ok := g.codec.AuthorOf(name, lines)
	if !ok || m.Author != identity {
		return UnknownIdentity
	}
	if !g.Verify(secret, m.Hash) {
		return Denied
	}
	return Authorized
}

// IsPrivileged reports whether creds match the configured privileged
// identity. It is always false when no privileged identity is configured.
func (g *Guard) IsPrivileged(creds Credentials) bool {
	if g.privileged == "" || g.privilegedHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(g.privileged), []byte(creds.Identity)) != 1 {
		return false
	}
	return g.Verify(creds.Secret, g.privilegedHash)
}
