package bootstrap_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/homeserver/homeservertest"
	"cipherroom/internal/services/bootstrap"
	"cipherroom/internal/services/identity"
	"cipherroom/internal/store"
)

const recovery = "correct horse battery staple"

type passwordReauth struct {
	user     id.UserID
	password string
	calls    int
}

func (r *passwordReauth) Reauthenticate(context.Context) (domain.AuthData, error) {
	r.calls++
	return domain.AuthData{Type: "m.login.password", User: string(r.user), Password: r.password}, nil
}

type device struct {
	ref    domain.DeviceRef
	client *homeservertest.Client
	ident  *identity.Service
	boot   *bootstrap.Service
	cs     *store.CrossSigningFileStore
}

func newDevice(t *testing.T, srv *homeservertest.Server, user id.UserID, deviceID id.DeviceID) *device {
	t.Helper()
	home := t.TempDir()
	ks, err := store.OpenKeystore(home, "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1})
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	t.Cleanup(ks.Close)

	ref := domain.DeviceRef{UserID: user, DeviceID: deviceID}
	dir := store.AccountDir(home, user, deviceID)
	client := srv.Client(user, deviceID)
	cs := store.NewCrossSigningFileStore(dir, ks)
	ident := identity.New(ref, store.NewIdentityFileStore(dir, ks), store.NewDeviceFileStore(dir, ks), zerolog.Nop(),
		identity.Options{Keys: client, CrossSigning: cs})
	if err := ident.PublishDeviceKeys(context.Background()); err != nil {
		t.Fatalf("publish keys: %v", err)
	}
	boot := bootstrap.New(ref, ident, client, cs, zerolog.Nop(), bootstrap.Options{})
	return &device{ref: ref, client: client, ident: ident, boot: boot, cs: cs}
}

func TestBootstrap_CreatesIdentity_OK(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.RequireUIA = true
	alice := srv.Register("alice", "hunter2")
	d := newDevice(t, srv, alice, "A")
	reauth := &passwordReauth{user: alice, password: "hunter2"}
	ctx := context.Background()

	state, err := d.boot.Bootstrap(ctx, reauth, recovery)
	require.NoError(t, err)
	require.False(t, d.boot.CrossSigningFailed())
	require.Equal(t, 1, reauth.calls)

	resp, err := d.client.QueryKeys(ctx, []id.UserID{alice})
	require.NoError(t, err)
	require.Equal(t, state.Public.Master.Key, resp.MasterKeys[alice].Key)
	require.Equal(t, state.Public.SelfSigning.Key, resp.SelfSigningKeys[alice].Key)

	ssk := resp.SelfSigningKeys[alice]
	require.Len(t, ssk.Signatures, 1)
	require.True(t, crypto.VerifyCanonical(state.Public.Master.Key, ssk.Unsigned(), ssk.Signatures[0].Sig), "master signs the self-signing key")

	own := resp.DeviceKeys[alice]["A"]
	var signedBySSK bool
	for _, sig := range own.Signatures {
		if sig.SignerKey == state.Public.SelfSigning.Key {
			signedBySSK = crypto.VerifyCanonical(sig.SignerKey, own.Unsigned(), sig.Sig)
		}
	}
	require.True(t, signedBySSK, "own device signed by the self-signing key")

	_, err = d.client.GetAccountData(ctx, bootstrap.AccountDataSealedKeys)
	require.NoError(t, err)

	again, err := d.boot.Bootstrap(ctx, reauth, recovery)
	require.NoError(t, err)
	require.Equal(t, state.Public, again.Public)
	require.Equal(t, 1, reauth.calls, "bootstrap is idempotent")
}

func TestBootstrap_WrongPassword_Fails(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.RequireUIA = true
	alice := srv.Register("alice", "hunter2")
	d := newDevice(t, srv, alice, "A")

	_, err := d.boot.Bootstrap(context.Background(), &passwordReauth{user: alice, password: "wrong"}, recovery)
	require.ErrorIs(t, err, domain.ErrAuthFailure)
	require.True(t, d.boot.CrossSigningFailed())

	_, ok, err := d.boot.State()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBootstrap_NoPassphrase_Fails(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := srv.Register("alice", "hunter2")
	d := newDevice(t, srv, alice, "A")

	_, err := d.boot.Bootstrap(context.Background(), &passwordReauth{user: alice, password: "hunter2"}, "")
	require.ErrorIs(t, err, bootstrap.ErrNoPassphrase)
	require.True(t, d.boot.CrossSigningFailed())
}

func TestBootstrap_SecondDevice_Recovers(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.RequireUIA = true
	alice := srv.Register("alice", "hunter2")
	first := newDevice(t, srv, alice, "A")
	ctx := context.Background()

	created, err := first.boot.Bootstrap(ctx, &passwordReauth{user: alice, password: "hunter2"}, recovery)
	require.NoError(t, err)

	wrong := newDevice(t, srv, alice, "C")
	_, err = wrong.boot.Bootstrap(ctx, nil, "not the passphrase")
	require.ErrorIs(t, err, domain.ErrWrongPassphrase)
	require.True(t, wrong.boot.CrossSigningFailed())

	second := newDevice(t, srv, alice, "B")
	recovered, err := second.boot.Bootstrap(ctx, nil, recovery)
	require.NoError(t, err)
	require.Equal(t, created.Public.Master.Key, recovered.Public.Master.Key)
	require.Equal(t, created.SelfSigning, recovered.SelfSigning)

	// The first device now sees the second as verified through cross-signing.
	require.NoError(t, first.ident.RefreshDevices(ctx, []id.UserID{alice}))
	dev, ok, err := first.ident.Device(second.ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Verified, dev.Status)

	dev, ok, err = first.ident.Device(wrong.ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Unverified, dev.Status)
}

func TestBootstrap_MissingSealedCopy_Unavailable(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := srv.Register("alice", "hunter2")
	other := srv.Client(alice, "X")
	ctx := context.Background()

	_, masterPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	require.NoError(t, other.UploadCrossSigningKeys(ctx, domain.CrossSigningKeys{
		Master: domain.CrossSigningKey{UserID: alice, Usage: domain.UsageMaster, Key: masterPub},
	}, nil))

	d := newDevice(t, srv, alice, "A")
	_, err = d.boot.Bootstrap(ctx, nil, recovery)
	require.ErrorIs(t, err, domain.ErrCrossSigningUnavailable)
}

func TestBootstrap_SealedCopyWriteFails_RetrySucceeds(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := srv.Register("alice", "hunter2")
	d := newDevice(t, srv, alice, "A")
	reauth := &passwordReauth{user: alice, password: "hunter2"}
	ctx := context.Background()

	srv.Fail("SetAccountData", domain.ErrNetworkTransient)
	_, err := d.boot.Bootstrap(ctx, reauth, recovery)
	require.ErrorIs(t, err, domain.ErrNetworkTransient)
	require.True(t, d.boot.CrossSigningFailed())

	resp, err := d.client.QueryKeys(ctx, []id.UserID{alice})
	require.NoError(t, err)
	require.NotContains(t, resp.MasterKeys, alice, "nothing published without a sealed copy")

	state, err := d.boot.Bootstrap(ctx, reauth, recovery)
	require.NoError(t, err)
	require.False(t, d.boot.CrossSigningFailed())

	// Another device can recover what was published.
	other := newDevice(t, srv, alice, "B")
	recovered, err := other.boot.Bootstrap(ctx, nil, recovery)
	require.NoError(t, err)
	require.Equal(t, state.Public.Master.Key, recovered.Public.Master.Key)
}

func TestBootstrap_FailureSurvivesRestart(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.RequireUIA = true
	alice := srv.Register("alice", "hunter2")
	d := newDevice(t, srv, alice, "A")
	ctx := context.Background()

	_, err := d.boot.Bootstrap(ctx, &passwordReauth{user: alice, password: "wrong"}, recovery)
	require.ErrorIs(t, err, domain.ErrAuthFailure)

	restarted := bootstrap.New(d.ref, d.ident, d.client, d.cs, zerolog.Nop(), bootstrap.Options{})
	require.True(t, restarted.CrossSigningFailed())

	_, err = restarted.Bootstrap(ctx, &passwordReauth{user: alice, password: "hunter2"}, recovery)
	require.NoError(t, err)
	require.False(t, restarted.CrossSigningFailed())

	again := bootstrap.New(d.ref, d.ident, d.client, d.cs, zerolog.Nop(), bootstrap.Options{})
	require.False(t, again.CrossSigningFailed())
}
