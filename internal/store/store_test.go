package store_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/store"
)

var fastScrypt = store.ScryptParams{N: 1 << 10, R: 8, P: 1}

func openKeystore(t *testing.T, dir, pass string) *store.Keystore {
	t.Helper()
	ks, err := store.OpenKeystore(dir, pass, fastScrypt)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	t.Cleanup(ks.Close)
	return ks
}

func TestIdentity_SaveLoad_OK(t *testing.T) {
	home := t.TempDir()
	ks := openKeystore(t, home, "pass")

	var ids domain.IdentityStore = store.NewIdentityFileStore(home, ks)

	if _, ok, err := ids.LoadIdentity(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	ident := domain.Identity{
		UserID:       "@alice:example.org",
		DeviceID:     "ALICEDEV",
		IdentityPub:  domain.X25519Public{1},
		IdentityPriv: domain.X25519Private{2},
		SigningPub:   domain.Ed25519Public{3},
		SigningPriv:  domain.Ed25519Private{4},
	}
	if err := ids.SaveIdentity(ident); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	got, ok, err := ids.LoadIdentity()
	if err != nil || !ok {
		t.Fatalf("load identity: ok=%v err=%v", ok, err)
	}
	if got != ident {
		t.Fatalf("mismatch after load")
	}
}

func TestKeystore_WrongPassphrase_Fails(t *testing.T) {
	home := t.TempDir()
	ks := openKeystore(t, home, "correct")
	ids := store.NewIdentityFileStore(home, ks)
	if err := ids.SaveIdentity(domain.Identity{IdentityPub: domain.X25519Public{1}}); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	if _, err := store.OpenKeystore(home, "wrong", fastScrypt); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}

	again := openKeystore(t, home, "correct")
	if _, ok, err := store.NewIdentityFileStore(home, again).LoadIdentity(); err != nil || !ok {
		t.Fatalf("reopen: ok=%v err=%v", ok, err)
	}
}

func TestDevices_ConflictsKeptBesidePrimary(t *testing.T) {
	dir := t.TempDir()
	devices := store.NewDeviceFileStore(dir, openKeystore(t, dir, "pass"))

	primary := domain.PeerDevice{UserID: "@bob:example.org", DeviceID: "BOB1", SigningKey: domain.Ed25519Public{1}}
	require.NoError(t, devices.SaveDevice(primary))

	swapped := primary
	swapped.SigningKey = domain.Ed25519Public{9}
	require.NoError(t, devices.AppendConflict(swapped))
	require.NoError(t, devices.AppendConflict(swapped))

	got, ok, err := devices.LoadDevice(primary.Ref())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, primary, got)

	conflicts, err := devices.ListConflicts(primary.Ref())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.True(t, conflicts[0].KeyConflict)
	require.Equal(t, swapped.SigningKey, conflicts[0].SigningKey)

	unknown := domain.PeerDevice{UserID: "@carol:example.org", DeviceID: "C"}
	require.ErrorIs(t, devices.AppendConflict(unknown), domain.ErrNotFound)

	all, err := devices.ListDevices("")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGroupSessions_RoundTripExact(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewGroupSessionFileStore(dir, openKeystore(t, dir, "pass"))

	out := domain.OutboundGroupSession{
		RoomID:       "!room:example.org",
		SessionID:    "sess1",
		Ratchet:      domain.GroupRatchet{ChainKey: [32]byte{7, 7, 7}, Index: 42},
		SigningPriv:  domain.Ed25519Private{5},
		CreatedUTC:   1700000000,
		MessageCount: 42,
		Recipients:   []domain.DeviceRef{{UserID: "@bob:example.org", DeviceID: "BOB1"}},
		SharedWith:   map[string]uint32{"@bob:example.org|BOB1": 0},
	}
	in := domain.InboundGroupSession{
		RoomID:     out.RoomID,
		SessionID:  out.SessionID,
		SenderUser: "@alice:example.org",
		Ratchet:    domain.GroupRatchet{ChainKey: [32]byte{1}, Index: 3},
	}
	require.NoError(t, sessions.SaveOutbound(out))
	require.NoError(t, sessions.SaveInbound(in))

	gotOut, ok, err := sessions.LoadOutbound(out.RoomID, out.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, out, gotOut)

	want, err := crypto.Canonical(out)
	require.NoError(t, err)
	got, err := crypto.Canonical(gotOut)
	require.NoError(t, err)
	if !bytes.Equal(want, got) {
		t.Fatal("outbound session did not round-trip byte for byte")
	}

	gotIn, ok, err := sessions.LoadInbound(in.RoomID, in.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, gotIn)
}

func TestGroupSessions_CurrentSkipsRotated(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewGroupSessionFileStore(dir, openKeystore(t, dir, "pass"))
	room := domain.OutboundGroupSession{RoomID: "!r:example.org"}

	old := room
	old.SessionID, old.CreatedUTC, old.Rotated = "old", 1, true
	cur := room
	cur.SessionID, cur.CreatedUTC = "new", 2
	require.NoError(t, sessions.SaveOutbound(old))
	require.NoError(t, sessions.SaveOutbound(cur))

	got, ok, err := sessions.CurrentOutbound(room.RoomID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cur.SessionID, got.SessionID)

	all, err := sessions.ListOutbound(room.RoomID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, old.SessionID, all[0].SessionID)
}

func TestRooms_PolicyAndMembers(t *testing.T) {
	rooms := store.NewRoomFileStore(t.TempDir())
	block := true
	p := domain.RoomEncryptionPolicy{RoomID: "!r:example.org", Algorithm: "m.megolm.v1.aes-sha2", BlockOnUnverified: &block}
	require.NoError(t, rooms.SavePolicy(p))

	got, ok, err := rooms.LoadPolicy(p.RoomID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, got)

	members := domain.RoomMembers{RoomID: p.RoomID, Joined: []id.UserID{"@a:example.org", "@b:example.org"}}
	require.NoError(t, rooms.SaveMembers(members))
	gotMembers, ok, err := rooms.LoadMembers(p.RoomID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, members, gotMembers)

	policies, err := rooms.ListPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
}

func TestAccount_SyncToken_RoundTrip(t *testing.T) {
	home := t.TempDir()
	accounts := store.NewAccountFileStore(home, openKeystore(t, home, "pass"))
	profile := domain.AccountProfile{Homeserver: "https://hs.example.org", UserID: "@a:example.org", DeviceID: "D", AccessToken: "tok"}
	require.NoError(t, accounts.SaveAccount(profile))
	got, ok, err := accounts.LoadAccount()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, profile, got)

	dir := store.AccountDir(home, profile.UserID, profile.DeviceID)
	tokens := store.NewSyncFileStore(dir)
	tok, err := tokens.LoadSyncToken()
	require.NoError(t, err)
	require.Empty(t, tok)
	require.NoError(t, tokens.SaveSyncToken("s123"))
	tok, err = tokens.LoadSyncToken()
	require.NoError(t, err)
	require.Equal(t, "s123", tok)
}

func TestCrossSigning_FailureMarker_SetAndClear(t *testing.T) {
	home := t.TempDir()
	cs := store.NewCrossSigningFileStore(home, openKeystore(t, home, "pass"))

	_, ok, err := cs.LoadBootstrapFailure()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cs.SaveBootstrapFailure(nil), "clearing an absent marker is fine")

	want := domain.BootstrapFailure{Reason: "upload cross-signing keys: auth failure", FailedUTC: 1700000000}
	require.NoError(t, cs.SaveBootstrapFailure(&want))
	got, ok, err := cs.LoadBootstrapFailure()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, cs.SaveBootstrapFailure(nil))
	_, ok, err = cs.LoadBootstrapFailure()
	require.NoError(t, err)
	require.False(t, ok)
}
