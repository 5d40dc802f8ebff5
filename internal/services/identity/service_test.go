package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/homeserver/homeservertest"
	"cipherroom/internal/services/identity"
	"cipherroom/internal/store"
)

var fastScrypt = store.ScryptParams{N: 1 << 10, R: 8, P: 1}

func newService(t *testing.T, home string, ref domain.DeviceRef, keys domain.KeysAPI) *identity.Service {
	t.Helper()
	ks, err := store.OpenKeystore(home, "pass", fastScrypt)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	t.Cleanup(ks.Close)
	dir := store.AccountDir(home, ref.UserID, ref.DeviceID)
	return identity.New(ref,
		store.NewIdentityFileStore(dir, ks),
		store.NewDeviceFileStore(dir, ks),
		zerolog.Nop(),
		identity.Options{Keys: keys, CrossSigning: store.NewCrossSigningFileStore(dir, ks)},
	)
}

func peerKeys(t *testing.T, user id.UserID, device id.DeviceID) domain.DeviceKeys {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	k := domain.DeviceKeys{
		UserID:      user,
		DeviceID:    device,
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		IdentityKey: xpub,
		SigningKey:  pub,
	}
	sig, err := crypto.SignCanonical(priv, k.Unsigned())
	require.NoError(t, err)
	k.Signatures = []domain.Signature{{SignerUser: user, SignerKey: pub, Sig: sig}}
	return k
}

var alice = domain.DeviceRef{UserID: "@alice:example.org", DeviceID: "ALICE1"}

func TestGetOrCreateIdentity_PersistsAcrossRestart(t *testing.T) {
	home := t.TempDir()
	ctx := context.Background()

	first, err := newService(t, home, alice, nil).GetOrCreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	again, err := newService(t, home, alice, nil).GetOrCreateIdentity(ctx)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if first != again {
		t.Fatalf("identity regenerated after restart")
	}
	if first.Ref() != alice {
		t.Fatalf("identity ref = %s, want %s", first.Ref(), alice)
	}
}

func TestGetOrCreateIdentity_OtherDeviceRejected(t *testing.T) {
	home := t.TempDir()
	ctx := context.Background()
	svc := newService(t, home, alice, nil)
	_, err := svc.GetOrCreateIdentity(ctx)
	require.NoError(t, err)

	// Same account dir forced onto another ref.
	ks, err := store.OpenKeystore(home, "pass", fastScrypt)
	require.NoError(t, err)
	t.Cleanup(ks.Close)
	dir := store.AccountDir(home, alice.UserID, alice.DeviceID)
	other := identity.New(domain.DeviceRef{UserID: alice.UserID, DeviceID: "OTHER"},
		store.NewIdentityFileStore(dir, ks), store.NewDeviceFileStore(dir, ks), zerolog.Nop(), identity.Options{})
	if _, err := other.GetOrCreateIdentity(ctx); !errors.Is(err, identity.ErrIdentityMismatch) {
		t.Fatalf("want ErrIdentityMismatch, got %v", err)
	}
}

func TestDeviceKeys_SelfSigned(t *testing.T) {
	svc := newService(t, t.TempDir(), alice, nil)
	keys, err := svc.DeviceKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys.Signatures, 1)
	require.True(t, crypto.VerifyCanonical(keys.SigningKey, keys.Unsigned(), keys.Signatures[0].Sig))
}

func TestRecordPeerDevice_FirstWriteWins(t *testing.T) {
	svc := newService(t, t.TempDir(), alice, nil)
	bob := peerKeys(t, "@bob:example.org", "BOB1")

	recorded, err := svc.RecordPeerDevice(bob.UserID, bob.DeviceID, bob)
	require.NoError(t, err)
	require.Equal(t, domain.Unverified, recorded.Status)

	// Same keys again: no change, no error.
	again, err := svc.RecordPeerDevice(bob.UserID, bob.DeviceID, bob)
	require.NoError(t, err)
	require.Equal(t, recorded, again)

	swapped := peerKeys(t, bob.UserID, bob.DeviceID)
	got, err := svc.RecordPeerDevice(bob.UserID, bob.DeviceID, swapped)
	var keyChange *domain.KeyChangeError
	if !errors.As(err, &keyChange) || !errors.Is(err, domain.ErrKeyChanged) {
		t.Fatalf("want KeyChangeError, got %v", err)
	}
	require.Equal(t, recorded, got)
	require.Equal(t, swapped.SigningKey, keyChange.Announced.SigningKey)

	// Repeating the swap does not duplicate the conflict record.
	_, _ = svc.RecordPeerDevice(bob.UserID, bob.DeviceID, swapped)
	conflicts, err := svc.Conflicts(bob.Ref())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.True(t, conflicts[0].KeyConflict)

	dev, ok, err := svc.Device(bob.Ref())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bob.SigningKey, dev.SigningKey)
}

func TestRecordPeerDevice_MismatchedAnnouncement(t *testing.T) {
	svc := newService(t, t.TempDir(), alice, nil)
	bob := peerKeys(t, "@bob:example.org", "BOB1")
	if _, err := svc.RecordPeerDevice("@bob:example.org", "OTHER", bob); !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestIsTrusted_ByStatus(t *testing.T) {
	svc := newService(t, t.TempDir(), alice, nil)
	bob := peerKeys(t, "@bob:example.org", "BOB1")
	_, err := svc.RecordPeerDevice(bob.UserID, bob.DeviceID, bob)
	require.NoError(t, err)

	cases := []struct {
		status              domain.VerificationStatus
		blacklistUnverified bool
		want                bool
	}{
		{domain.Unverified, false, true},
		{domain.Unverified, true, false},
		{domain.Verified, true, true},
		{domain.Blacklisted, false, false},
	}
	for _, tc := range cases {
		require.NoError(t, svc.SetVerification(bob.UserID, bob.DeviceID, tc.status))
		if got := svc.IsTrusted(bob.UserID, bob.DeviceID, tc.blacklistUnverified); got != tc.want {
			t.Fatalf("status %s blacklistUnverified=%v: trusted=%v, want %v", tc.status, tc.blacklistUnverified, got, tc.want)
		}
	}
	if svc.IsTrusted("@carol:example.org", "C1", false) {
		t.Fatalf("unknown device trusted")
	}
	if err := svc.SetVerification("@carol:example.org", "C1", domain.Verified); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRefreshDevices_IgnoresForgedKeys(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	ctx := context.Background()
	svc := newService(t, t.TempDir(), alice, srv.Client(alice.UserID, alice.DeviceID))

	good := peerKeys(t, "@bob:example.org", "BOB1")
	forged := peerKeys(t, "@bob:example.org", "BOB2")
	forged.Signatures[0].Sig[0] ^= 0xff
	srv.PublishDeviceKeys(good)
	srv.PublishDeviceKeys(forged)

	require.NoError(t, svc.RefreshDevices(ctx, []id.UserID{"@bob:example.org"}))
	devices, err := svc.Devices("@bob:example.org")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, id.DeviceID("BOB1"), devices[0].DeviceID)
}

func TestResolveRecipients_SkipsBlacklisted(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	ctx := context.Background()
	svc := newService(t, t.TempDir(), alice, srv.Client(alice.UserID, alice.DeviceID))
	require.NoError(t, svc.PublishDeviceKeys(ctx))

	bob1 := peerKeys(t, "@bob:example.org", "BOB1")
	bob2 := peerKeys(t, "@bob:example.org", "BOB2")
	alice2 := peerKeys(t, alice.UserID, "ALICE2")
	srv.PublishDeviceKeys(bob1)
	srv.PublishDeviceKeys(bob2)
	srv.PublishDeviceKeys(alice2)

	users := []id.UserID{alice.UserID, "@bob:example.org"}
	devices, newlySeen, err := svc.ResolveRecipients(ctx, users)
	require.NoError(t, err)
	require.Len(t, devices, 3, "own device excluded")
	require.Len(t, newlySeen, 3)

	require.NoError(t, svc.SetVerification(bob2.UserID, bob2.DeviceID, domain.Blacklisted))
	devices, newlySeen, err = svc.ResolveRecipients(ctx, users)
	require.NoError(t, err)
	require.Empty(t, newlySeen)
	refs := make([]domain.DeviceRef, len(devices))
	for i, d := range devices {
		refs[i] = d.Ref()
	}
	require.Equal(t, []domain.DeviceRef{alice2.Ref(), bob1.Ref()}, refs)

	// A device list change brings in a new device, reported as newly seen.
	bob3 := peerKeys(t, "@bob:example.org", "BOB3")
	srv.PublishDeviceKeys(bob3)
	svc.MarkDeviceListsChanged([]id.UserID{"@bob:example.org"})
	_, newlySeen, err = svc.ResolveRecipients(ctx, users)
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceRef{bob3.Ref()}, newlySeen)
}

func TestResolveDevice_QueriesUnknown(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	svc := newService(t, t.TempDir(), alice, srv.Client(alice.UserID, alice.DeviceID))
	bob := peerKeys(t, "@bob:example.org", "BOB1")
	srv.PublishDeviceKeys(bob)

	dev, err := svc.ResolveDevice(context.Background(), bob.Ref())
	require.NoError(t, err)
	require.Equal(t, bob.IdentityKey, dev.IdentityKey)

	_, err = svc.ResolveDevice(context.Background(), domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "NOPE"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
