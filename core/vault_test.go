package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom/strongroom/audit"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/policy"
	"github.com/strongroom/strongroom/storage"
)

// testVault returns an initialized, unsealed vault plus its root token
// and audit sink.
func testVault(t *testing.T) (*Vault, string, *audit.MemorySink) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := audit.NewMemorySink()

	v := New(Config{
		Store:      storage.NewMemoryBackend(),
		AuditSinks: []audit.Sink{sink},
		Log:        logger,
	})

	res, err := v.Initialize(ctx, 3, 2)
	require.NoError(t, err)
	require.True(t, v.Sealed(), "vault is sealed right after initialization")

	_, err = v.SubmitUnsealShare(ctx, res.Shares[0])
	require.NoError(t, err)
	status, err := v.SubmitUnsealShare(ctx, res.Shares[1])
	require.NoError(t, err)
	require.False(t, status.Sealed)

	return v, res.RootToken, sink
}

func TestLifecycleInitUnsealSeal(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	// Root can write and read.
	resp, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"password": "hunter2"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Written.Version)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", resp.Secret.Data["password"])

	// Seal via the authenticated surface.
	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "sys/seal"})
	require.NoError(t, err)
	assert.True(t, v.Sealed())

	// Everything fails sealed.
	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	assert.ErrorIs(t, err, interfaces.ErrSealed)
}

func TestAuthenticationRequired(t *testing.T) {
	ctx := context.Background()
	v, _, sink := testVault(t)

	_, err := v.Handle(ctx, &Request{Token: "sr.bogus.AAAA", Op: OpRead, Path: "secret/data/app"})
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)

	_, err = v.Handle(ctx, &Request{Op: OpRead, Path: "secret/data/app"})
	assert.ErrorIs(t, err, interfaces.ErrAuthentication, "missing token is denied")

	lines := sink.Lines()
	assert.NotEmpty(t, lines, "denials are audited")
}

func TestReadOnlyPolicyDeniedWrite(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	// Root installs a read-only policy and a token carrying it.
	_, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "sys/policies/app-read",
		PolicyDoc: &policy.Policy{
			Name: "app-read",
			Rules: []policy.Rule{
				{Path: "secret/data/app/*", Capabilities: []policy.Capability{policy.CapabilityRead, policy.CapabilityList}},
			},
		},
	})
	require.NoError(t, err)

	resp, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "auth/token/create",
		TokenParams: &TokenCreateParams{Policies: []string{"app-read"}},
	})
	require.NoError(t, err)
	appToken := resp.TokenInfo.Token
	require.NotEmpty(t, appToken)

	// Seed a secret as root.
	_, err = v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	// The app token can read but not write, and sees nothing outside
	// its subtree.
	resp, err = v.Handle(ctx, &Request{Token: appToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Secret.Data["k"])

	_, err = v.Handle(ctx, &Request{
		Token: appToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"k": "evil"},
	})
	assert.ErrorIs(t, err, interfaces.ErrAuthorization, "read-only policy must not allow writes")

	_, err = v.Handle(ctx, &Request{Token: appToken, Op: OpRead, Path: "secret/data/other/x"})
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)

	_, err = v.Handle(ctx, &Request{Token: appToken, Op: OpWrite, Path: "sys/policies/app-read", PolicyDoc: &policy.Policy{}})
	assert.ErrorIs(t, err, interfaces.ErrAuthorization, "policy CRUD needs sudo")
}

func TestAuditFailClosedDiscardsResult(t *testing.T) {
	ctx := context.Background()
	v, rootToken, sink := testVault(t)

	sink.FailWith(errors.New("sink down"))

	_, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"k": "v1"},
	})
	assert.ErrorIs(t, err, interfaces.ErrAuditWrite, "result must be discarded when audit fails")

	sink.FailWith(nil)

	// The write may or may not have landed; what matters is the caller
	// saw a failure and subsequent audited requests work.
	_, err = v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"k": "v2"},
	})
	require.NoError(t, err)

	resp, err := v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, "v2", resp.Secret.Data["k"])
}

func TestKVVersionOperations(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	for _, val := range []string{"v1", "v2"} {
		_, err := v.Handle(ctx, &Request{
			Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
			Data: map[string]string{"k": val},
		})
		require.NoError(t, err)
	}

	resp, err := v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.Secret.Data["k"])

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpDelete, Path: "secret/data/app/db", Versions: []uint64{2}})
	require.NoError(t, err)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Secret.Version, "current falls back after soft delete")

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "secret/undelete/app/db", Versions: []uint64{2}})
	require.NoError(t, err)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.Secret.Version)

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "secret/destroy/app/db", Versions: []uint64{1}})
	require.NoError(t, err)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/metadata/app/db"})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Versions[0].Destroyed)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpList, Path: "secret/data/app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, resp.Keys)
}

func TestTokenSelfManagement(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	resp, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "auth/token/create",
		TokenParams: &TokenCreateParams{
			Policies:  []string{"default"},
			TTL:       time.Hour,
			MaxTTL:    2 * time.Hour,
			Renewable: true,
		},
	})
	require.NoError(t, err)
	tok := resp.TokenInfo.Token

	// Default policy covers lookup, renew, and revoke of itself.
	resp, err = v.Handle(ctx, &Request{Token: tok, Op: OpRead, Path: "auth/token/lookup-self"})
	require.NoError(t, err)
	assert.Contains(t, resp.TokenInfo.Policies, "default")
	assert.Empty(t, resp.TokenInfo.Token, "lookup never echoes the token")

	resp, err = v.Handle(ctx, &Request{
		Token: tok, Op: OpWrite, Path: "auth/token/renew-self",
		Data: map[string]string{"increment": "90m"},
	})
	require.NoError(t, err)
	assert.InDelta(t, (90 * time.Minute).Seconds(), resp.TokenInfo.TTL.Seconds(), 5)

	_, err = v.Handle(ctx, &Request{Token: tok, Op: OpWrite, Path: "auth/token/revoke-self"})
	require.NoError(t, err)

	_, err = v.Handle(ctx, &Request{Token: tok, Op: OpRead, Path: "auth/token/lookup-self"})
	assert.ErrorIs(t, err, interfaces.ErrAuthentication, "revoked token is gone")

	// Default policy alone cannot create tokens.
	resp, err = v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "auth/token/create",
		TokenParams: &TokenCreateParams{Policies: []string{"default"}},
	})
	require.NoError(t, err)
	_, err = v.Handle(ctx, &Request{
		Token: resp.TokenInfo.Token, Op: OpWrite, Path: "auth/token/create",
		TokenParams: &TokenCreateParams{Policies: []string{policy.RootPolicy}},
	})
	assert.ErrorIs(t, err, interfaces.ErrAuthorization, "privilege escalation via token create must be denied")
}

func TestTransitThroughPipeline(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	_, err := v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "transit/keys/orders"})
	require.NoError(t, err)

	resp, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "transit/encrypt/orders",
		Data: map[string]string{"plaintext": "Y2FyZA=="},
	})
	require.NoError(t, err)
	ct := resp.Ciphertext

	resp, err = v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "transit/decrypt/orders",
		Data: map[string]string{"ciphertext": ct},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("card"), resp.Plaintext)

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "transit/rotate/orders"})
	require.NoError(t, err)

	resp, err = v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "transit/rewrap/orders",
		Data: map[string]string{"ciphertext": ct},
	})
	require.NoError(t, err)
	assert.NotEqual(t, ct, resp.Ciphertext)
}

func TestBarrierRotationThroughPipeline(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	_, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/app/db",
		Data: map[string]string{"k": "pre-rotate"},
	})
	require.NoError(t, err)

	resp, err := v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "sys/rotate"})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.RotatedTerm)

	resp, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/app/db"})
	require.NoError(t, err)
	assert.Equal(t, "pre-rotate", resp.Secret.Data["k"])
}

func TestUnknownMountAndValidation(t *testing.T) {
	ctx := context.Background()
	v, rootToken, _ := testVault(t)

	_, err := v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "nosuch/mount/x"})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead})
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpWrite, Path: "secret/data/bad path"})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestAuditTrailRecordsEveryRequest(t *testing.T) {
	ctx := context.Background()
	v, rootToken, sink := testVault(t)

	before := len(sink.Lines())

	_, err := v.Handle(ctx, &Request{
		Token: rootToken, Op: OpWrite, Path: "secret/data/a",
		Data: map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	_, err = v.Handle(ctx, &Request{Token: rootToken, Op: OpRead, Path: "secret/data/a"})
	require.NoError(t, err)
	_, err = v.Handle(ctx, &Request{Token: "sr.bad.AAAA", Op: OpRead, Path: "secret/data/a"})
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)

	assert.Equal(t, before+3, len(sink.Lines()), "every request, denied ones included, leaves one entry")
}
