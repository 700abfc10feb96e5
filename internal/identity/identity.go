// Package identity resolves handshake credentials into a canonical principal.
// Two independent credential schemes are supported: a signed bearer token for
// project operators, and an external participant id + project id pair for
// unauthenticated mobile clients. The resolved Identity is immutable for the
// life of a connection.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Resolution failure sentinels. Connections failing resolution are rejected
// and closed by the caller.
var (
	ErrMissingCredentials = errors.New("identity: no credentials supplied")
	ErrInvalidCredential  = errors.New("identity: invalid or expired bearer token")
	ErrUnknownParticipant = errors.New("identity: unknown participant")
)

// Kind discriminates the two principal variants.
type Kind string

const (
	KindOperator    Kind = "operator"
	KindParticipant Kind = "participant"
)

// Identity is a resolved principal. UserID is the canonical internal id for
// both kinds; ProjectID and ExternalParticipantID are set only for
// participants.
type Identity struct {
	Kind                  Kind
	UserID                string
	ProjectID             string
	ExternalParticipantID string
}

// SameUser reports whether two identities refer to the same internal user,
// regardless of kind.
func (id Identity) SameUser(other Identity) bool {
	return id.UserID == other.UserID
}

// Credentials is the raw handshake material captured at upgrade time. It is
// inspected exactly once, by Resolve.
type Credentials struct {
	BearerToken           string
	ExternalParticipantID string
	ProjectID             string
}

// ParticipantResolver is the slice of the message store the resolver needs:
// mapping a verified (external id, project) pair onto an internal user id.
type ParticipantResolver interface {
	ResolveParticipantUserID(ctx context.Context, externalParticipantID, projectID string) (string, error)
}

// Resolver authenticates handshake credentials. It is safe for concurrent use.
type Resolver struct {
	secret       []byte
	participants ParticipantResolver
}

// NewResolver creates a Resolver verifying bearer tokens against the shared
// signing secret and resolving participant pairs through the store.
func NewResolver(secret string, participants ParticipantResolver) *Resolver {
	return &Resolver{
		secret:       []byte(secret),
		participants: participants,
	}
}

// Resolve derives an Identity from handshake credentials.
//
// A bearer token always takes precedence over a participant pair: an operator
// opening the admin console must never be silently downgraded to a
// participant. A present-but-invalid bearer token fails the handshake even if
// a valid participant pair rides alongside it.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.BearerToken != "" {
		return r.resolveOperator(creds.BearerToken)
	}

	if creds.ExternalParticipantID != "" && creds.ProjectID != "" {
		return r.resolveParticipant(ctx, creds.ExternalParticipantID, creds.ProjectID)
	}

	return Identity{}, ErrMissingCredentials
}

// resolveOperator verifies the token signature and expiry and extracts the
// operator's user id from the subject claim.
func (r *Resolver) resolveOperator(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{Kind: KindOperator, UserID: sub}, nil
}

// resolveParticipant maps the pair onto an internal user id via the store's
// participant lookup. The client-supplied pair is never trusted as a user id
// by itself.
func (r *Resolver) resolveParticipant(ctx context.Context, externalID, projectID string) (Identity, error) {
	userID, err := r.participants.ResolveParticipantUserID(ctx, externalID, projectID)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: participant lookup: %w", err)
	}
	if userID == "" {
		return Identity{}, ErrUnknownParticipant
	}

	return Identity{
		Kind:                  KindParticipant,
		UserID:                userID,
		ProjectID:             projectID,
		ExternalParticipantID: externalID,
	}, nil
}

// SignOperatorToken mints an HS256 bearer token for an operator. Used by
// provisioning tooling and tests; the gateway itself only verifies.
func SignOperatorToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
