package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testSecret = "unit-test-secret"

// mapResolver resolves participant pairs from a fixed map keyed by
// projectID + "/" + externalID.
type mapResolver map[string]string

func (m mapResolver) ResolveParticipantUserID(ctx context.Context, externalParticipantID, projectID string) (string, error) {
	return m[projectID+"/"+externalParticipantID], nil
}

func newTestResolver() *Resolver {
	return NewResolver(testSecret, mapResolver{
		"proj-1/ext-9": "u-42",
	})
}

func validToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := SignOperatorToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("SignOperatorToken() error: %v", err)
	}
	return token
}

func TestResolveOperator(t *testing.T) {
	r := newTestResolver()

	ident, err := r.Resolve(context.Background(), Credentials{
		BearerToken: validToken(t, "alice"),
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ident.Kind != KindOperator {
		t.Errorf("Kind = %q, want operator", ident.Kind)
	}
	if ident.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", ident.UserID)
	}
	if ident.ProjectID != "" || ident.ExternalParticipantID != "" {
		t.Errorf("operator identity carries participant fields: %+v", ident)
	}
}

func TestResolveParticipant(t *testing.T) {
	r := newTestResolver()

	ident, err := r.Resolve(context.Background(), Credentials{
		ExternalParticipantID: "ext-9",
		ProjectID:             "proj-1",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ident.Kind != KindParticipant {
		t.Errorf("Kind = %q, want participant", ident.Kind)
	}
	if ident.UserID != "u-42" {
		t.Errorf("UserID = %q, want u-42 (internal id, not the external one)", ident.UserID)
	}
	if ident.ExternalParticipantID != "ext-9" || ident.ProjectID != "proj-1" {
		t.Errorf("identity = %+v", ident)
	}
}

func TestResolveFailures(t *testing.T) {
	r := newTestResolver()
	expired, err := SignOperatorToken(testSecret, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("SignOperatorToken() error: %v", err)
	}
	wrongKey, err := SignOperatorToken("other-secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("SignOperatorToken() error: %v", err)
	}

	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
	}{
		{"empty credentials", Credentials{}, ErrMissingCredentials},
		{"pair missing project", Credentials{ExternalParticipantID: "ext-9"}, ErrMissingCredentials},
		{"pair missing external id", Credentials{ProjectID: "proj-1"}, ErrMissingCredentials},
		{"malformed token", Credentials{BearerToken: "garbage"}, ErrInvalidCredential},
		{"expired token", Credentials{BearerToken: expired}, ErrInvalidCredential},
		{"wrong signing key", Credentials{BearerToken: wrongKey}, ErrInvalidCredential},
		{"unknown participant", Credentials{ExternalParticipantID: "ghost", ProjectID: "proj-1"}, ErrUnknownParticipant},
		{"unknown project", Credentials{ExternalParticipantID: "ext-9", ProjectID: "proj-2"}, ErrUnknownParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBearerTakesPrecedence(t *testing.T) {
	r := newTestResolver()

	// Valid bearer plus valid pair resolves as the operator.
	ident, err := r.Resolve(context.Background(), Credentials{
		BearerToken:           validToken(t, "alice"),
		ExternalParticipantID: "ext-9",
		ProjectID:             "proj-1",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ident.Kind != KindOperator || ident.UserID != "alice" {
		t.Errorf("identity = %+v, want operator alice", ident)
	}

	// Invalid bearer fails outright; the valid pair must not rescue it.
	_, err = r.Resolve(context.Background(), Credentials{
		BearerToken:           "garbage",
		ExternalParticipantID: "ext-9",
		ProjectID:             "proj-1",
	})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Resolve() error = %v, want ErrInvalidCredential", err)
	}
}

func TestTokenMissingSubject(t *testing.T) {
	r := newTestResolver()

	// A token signed with the right key but no sub claim must be rejected.
	token, err := SignOperatorToken(testSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("SignOperatorToken() error: %v", err)
	}
	if _, err := r.Resolve(context.Background(), Credentials{BearerToken: token}); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Resolve() error = %v, want ErrInvalidCredential", err)
	}
}

func TestSameUser(t *testing.T) {
	operator := Identity{Kind: KindOperator, UserID: "u-1"}
	participant := Identity{Kind: KindParticipant, UserID: "u-1", ProjectID: "p"}
	other := Identity{Kind: KindOperator, UserID: "u-2"}

	if !operator.SameUser(participant) {
		t.Error("same user id across kinds reported as different")
	}
	if operator.SameUser(other) {
		t.Error("different user ids reported as same")
	}
}
