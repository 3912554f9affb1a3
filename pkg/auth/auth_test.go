package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-labs/warden/pkg/auth"
	"github.com/northgate-labs/warden/pkg/ledger"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := auth.NewVerifier([]byte("test-secret"), "warden")
	actor := ledger.Actor{ID: "alice", Type: ledger.ActorUser}

	tok, err := v.Issue(actor, []string{"approver"}, time.Hour, time.Now())
	require.NoError(t, err)

	got, roles, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, actor, got)
	assert.Equal(t, []string{"approver"}, roles)
}

func TestVerifier_RejectsExpired(t *testing.T) {
	v := auth.NewVerifier([]byte("test-secret"), "warden")
	tok, err := v.Issue(ledger.Actor{ID: "alice", Type: ledger.ActorUser}, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, _, err = v.Verify(tok)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifier_RejectsWrongIssuerAndSecret(t *testing.T) {
	v := auth.NewVerifier([]byte("test-secret"), "warden")
	other := auth.NewVerifier([]byte("other-secret"), "warden")
	wrongIssuer := auth.NewVerifier([]byte("test-secret"), "someone-else")

	tok, err := v.Issue(ledger.Actor{ID: "svc", Type: ledger.ActorService}, nil, time.Hour, time.Now())
	require.NoError(t, err)

	_, _, err = other.Verify(tok)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	tok2, err := wrongIssuer.Issue(ledger.Actor{ID: "svc", Type: ledger.ActorService}, nil, time.Hour, time.Now())
	require.NoError(t, err)
	_, _, err = v.Verify(tok2)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifier_RejectsUnknownActorType(t *testing.T) {
	v := auth.NewVerifier([]byte("test-secret"), "warden")
	tok, err := v.Issue(ledger.Actor{ID: "x", Type: "ROBOT"}, nil, time.Hour, time.Now())
	require.NoError(t, err)

	_, _, err = v.Verify(tok)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestActorContext(t *testing.T) {
	_, err := auth.ActorFrom(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoActor)

	actor := ledger.Actor{ID: "bob", Type: ledger.ActorUser}
	ctx := auth.WithActor(context.Background(), actor)
	got, err := auth.ActorFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, actor, got)
}
