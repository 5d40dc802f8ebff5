package groupsession_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/homeserver/homeservertest"
	"cipherroom/internal/protocol/megolm"
	"cipherroom/internal/protocol/olm"
	"cipherroom/internal/services/groupsession"
	"cipherroom/internal/services/identity"
	"cipherroom/internal/store"
)

const room = id.RoomID("!room:example.org")

type fixedRotation domain.RotationSettings

func (r fixedRotation) Rotation(id.RoomID) domain.RotationSettings { return domain.RotationSettings(r) }

type failedBootstrap struct{}

func (failedBootstrap) CrossSigningFailed() bool { return true }

type peer struct {
	ref   domain.DeviceRef
	ident *identity.Service
	mgr   *groupsession.Manager
}

func newPeer(t *testing.T, srv *homeservertest.Server, ref domain.DeviceRef, rot domain.RotationSettings, opts groupsession.Options) *peer {
	t.Helper()
	home := t.TempDir()
	ks, err := store.OpenKeystore(home, "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1})
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	t.Cleanup(ks.Close)
	dir := store.AccountDir(home, ref.UserID, ref.DeviceID)
	client := srv.Client(ref.UserID, ref.DeviceID)
	ident := identity.New(ref, store.NewIdentityFileStore(dir, ks), store.NewDeviceFileStore(dir, ks), zerolog.Nop(), identity.Options{Keys: client})
	if err := ident.PublishDeviceKeys(context.Background()); err != nil {
		t.Fatalf("publish keys: %v", err)
	}
	mgr := groupsession.New(store.NewGroupSessionFileStore(dir, ks), ident, client, fixedRotation(rot), zerolog.Nop(), opts)
	return &peer{ref: ref, ident: ident, mgr: mgr}
}

func (p *peer) recipients(t *testing.T, users ...id.UserID) ([]domain.PeerDevice, []domain.DeviceRef) {
	t.Helper()
	p.ident.MarkDeviceListsChanged(users)
	devices, _, err := p.ident.ResolveRecipients(context.Background(), users)
	require.NoError(t, err)
	refs := make([]domain.DeviceRef, len(devices))
	for i, d := range devices {
		refs[i] = d.Ref()
	}
	return devices, refs
}

// receiveKeys ingests every queued to-device event for p.
func (p *peer) receiveKeys(t *testing.T, srv *homeservertest.Server) []domain.InboundGroupSession {
	t.Helper()
	var out []domain.InboundGroupSession
	for _, ev := range srv.DropToDevice(p.ref) {
		sess, err := p.mgr.IngestInboundSessionKey(context.Background(), ev.Sender, ev)
		require.NoError(t, err)
		out = append(out, sess)
	}
	return out
}

func text(body string) domain.GroupPayload {
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return domain.GroupPayload{Type: "m.room.message", Content: content}
}

func send(t *testing.T, p *peer, devices []domain.PeerDevice, refs []domain.DeviceRef, body string) (domain.OutboundGroupSession, domain.EncryptedContent) {
	t.Helper()
	ctx := context.Background()
	sess, err := p.mgr.GetOrCreateOutboundSession(ctx, room, devices)
	require.NoError(t, err)
	content, err := p.mgr.Encrypt(ctx, room, sess.SessionID, refs, text(body))
	require.NoError(t, err)
	return sess, content
}

var (
	aliceRef = domain.DeviceRef{UserID: "@alice:example.org", DeviceID: "A1"}
	bobRef   = domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}
	carolRef = domain.DeviceRef{UserID: "@carol:example.org", DeviceID: "C1"}
)

func TestEncrypt_IndicesStrictlyIncreaseAndDecrypt(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, aliceRef.UserID, bobRef.UserID)
	require.Equal(t, []domain.DeviceRef{bobRef}, refs)

	var contents []domain.EncryptedContent
	for i := 0; i < 5; i++ {
		_, c := send(t, alice, devices, refs, "msg")
		contents = append(contents, c)
	}
	require.Equal(t, 1, len(bob.receiveKeys(t, srv)), "key shared once")

	var last int64 = -1
	for _, c := range contents {
		payload, _, index, err := bob.mgr.DecryptGroupMessage(room, c)
		require.NoError(t, err)
		require.Greater(t, int64(index), last)
		last = int64(index)
		require.Equal(t, room, payload.RoomID)
	}
}

func TestDecrypt_ReplayIsForwardSecrecyViolation(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	_, first := send(t, alice, devices, refs, "one")
	_, second := send(t, alice, devices, refs, "two")
	bob.receiveKeys(t, srv)

	for _, c := range []domain.EncryptedContent{first, second} {
		_, _, _, err := bob.mgr.DecryptGroupMessage(room, c)
		require.NoError(t, err)
	}
	_, _, _, err := bob.mgr.DecryptGroupMessage(room, first)
	if !errors.Is(err, domain.ErrForwardSecrecyViolation) {
		t.Fatalf("want ErrForwardSecrecyViolation, got %v", err)
	}
	var de *domain.DecryptError
	require.ErrorAs(t, err, &de)
	require.False(t, de.Retryable())
}

func TestDecrypt_UnknownSessionIsRetryable(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	_, c := send(t, alice, devices, refs, "early")
	_, _, _, err := bob.mgr.DecryptGroupMessage(room, c)
	var de *domain.DecryptError
	require.ErrorAs(t, err, &de)
	require.Equal(t, domain.FailureUnknownSession, de.Kind)
	require.True(t, de.Retryable())

	bob.receiveKeys(t, srv)
	_, _, _, err = bob.mgr.DecryptGroupMessage(room, c)
	require.NoError(t, err)
}

func TestDecrypt_OwnEcho_OK(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})

	_, c := send(t, alice, nil, nil, "note to self")
	payload, sess, _, err := alice.mgr.DecryptGroupMessage(room, c)
	require.NoError(t, err)
	require.Equal(t, aliceRef, sess.Sender())
	require.JSONEq(t, `{"msgtype":"m.text","body":"note to self"}`, string(payload.Content))
}

func TestRotation_RecipientRemoved(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	newPeer(t, srv, carolRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID, carolRef.UserID)
	before, _ := send(t, alice, devices, refs, "hi both")

	// Carol leaves: her device is no longer a recipient.
	withoutCarol, withoutCarolRefs := alice.recipients(t, bobRef.UserID)

	// Encrypting with the old session for the shrunken set is refused.
	_, err := alice.mgr.Encrypt(context.Background(), room, before.SessionID, withoutCarolRefs, text("x"))
	if !errors.Is(err, domain.ErrSessionRotated) {
		t.Fatalf("want ErrSessionRotated, got %v", err)
	}

	after, _ := send(t, alice, withoutCarol, withoutCarolRefs, "hi bob")
	require.NotEqual(t, before.SessionID, after.SessionID)

	sessions, err := alice.mgr.Outbound(room)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		if s.SessionID == before.SessionID {
			require.True(t, s.Rotated)
			require.Equal(t, groupsession.ReasonRecipientRemoved, s.RotationReason)
		}
	}
}

func TestRotation_AddedRecipientGetsCurrentKey(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	carol := newPeer(t, srv, carolRef, domain.RotationSettings{}, groupsession.Options{})

	devices, refs := alice.recipients(t, bobRef.UserID)
	first, _ := send(t, alice, devices, refs, "before carol")

	devices, refs = alice.recipients(t, bobRef.UserID, carolRef.UserID)
	second, c := send(t, alice, devices, refs, "with carol")
	require.Equal(t, first.SessionID, second.SessionID)

	bob.receiveKeys(t, srv)
	keys := carol.receiveKeys(t, srv)
	require.Len(t, keys, 1)
	require.Equal(t, uint32(1), keys[0].FirstKnownIndex)
	_, _, _, err := carol.mgr.DecryptGroupMessage(room, c)
	require.NoError(t, err)
}

func TestRotation_MessageLimit(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{MaxMessages: 2}, groupsession.Options{})

	s1, _ := send(t, alice, nil, nil, "1")
	s2, _ := send(t, alice, nil, nil, "2")
	s3, _ := send(t, alice, nil, nil, "3")
	require.Equal(t, s1.SessionID, s2.SessionID)
	require.NotEqual(t, s2.SessionID, s3.SessionID)
}

func TestRotation_AgeLimit(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{MaxAge: time.Hour}, groupsession.Options{Now: clock})

	s1, _ := send(t, alice, nil, nil, "1")
	now = now.Add(2 * time.Hour)
	rotated, reason, err := alice.mgr.RotateIfNeeded(room, nil)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, groupsession.ReasonAgeLimit, reason)
	s2, _ := send(t, alice, nil, nil, "2")
	require.NotEqual(t, s1.SessionID, s2.SessionID)
}

func TestRotation_MembershipChangedFlag(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})

	s1, _ := send(t, alice, nil, nil, "1")
	alice.mgr.MarkMembershipChanged(room)
	s2, _ := send(t, alice, nil, nil, "2")
	s3, _ := send(t, alice, nil, nil, "3")
	require.NotEqual(t, s1.SessionID, s2.SessionID)
	require.Equal(t, s2.SessionID, s3.SessionID)
}

func TestRotation_FlagBeforeFirstSession_CreatesOne(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	alice.mgr.MarkMembershipChanged(room)
	sess, _ := send(t, alice, devices, refs, "first")

	all, err := alice.mgr.Outbound(room)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, sess.SessionID, all[0].SessionID)
	require.False(t, all[0].Rotated)
	require.Equal(t, 1, srv.PendingToDevice(bobRef), "key shared once")
}

func TestEncrypt_UnsharedRecipientIsStale(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})

	sess, err := alice.mgr.GetOrCreateOutboundSession(context.Background(), room, nil)
	require.NoError(t, err)
	_, err = alice.mgr.Encrypt(context.Background(), room, sess.SessionID, []domain.DeviceRef{bobRef}, text("x"))
	if !errors.Is(err, domain.ErrStaleRecipients) {
		t.Fatalf("want ErrStaleRecipients, got %v", err)
	}
}

func TestEncrypt_ConcurrentNeverReusesIndex(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	sess, err := alice.mgr.GetOrCreateOutboundSession(context.Background(), room, nil)
	require.NoError(t, err)

	const n = 20
	indices := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := alice.mgr.Encrypt(context.Background(), room, sess.SessionID, nil, text("x"))
			if err != nil {
				t.Errorf("encrypt: %v", err)
				return
			}
			index, err := megolm.PeekIndex(c.Ciphertext)
			if err != nil {
				t.Errorf("peek index: %v", err)
				return
			}
			indices <- index
		}()
	}
	wg.Wait()
	close(indices)

	seen := make(map[uint32]bool)
	for idx := range indices {
		if seen[idx] {
			t.Fatalf("index %d used twice", idx)
		}
		seen[idx] = true
	}
	require.Len(t, seen, n)
}

func TestIngest_ForgedSignatureFlagsDevice(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	ctx := context.Background()

	aliceIdent, err := alice.ident.GetOrCreateIdentity(ctx)
	require.NoError(t, err)
	bobIdent, err := bob.ident.GetOrCreateIdentity(ctx)
	require.NoError(t, err)

	_, sessionPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	content := domain.RoomKeyContent{
		Algorithm:       id.AlgorithmMegolmV1,
		RoomID:          room,
		SessionID:       id.SessionID(sessionPub.String()),
		SessionSigning:  sessionPub,
		SenderUser:      aliceRef.UserID,
		SenderDevice:    aliceRef.DeviceID,
		RecipientUser:   bobRef.UserID,
		RecipientDevice: bobRef.DeviceID,
	}
	forger, _, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	content.Signature, err = crypto.SignCanonical(forger, content.Unsigned())
	require.NoError(t, err)

	plaintext, err := json.Marshal(content)
	require.NoError(t, err)
	sealed, err := olm.Seal(aliceIdent, bobIdent.IdentityPub, plaintext)
	require.NoError(t, err)
	raw, err := json.Marshal(sealed)
	require.NoError(t, err)

	_, err = bob.mgr.IngestInboundSessionKey(ctx, aliceRef.UserID, domain.ToDeviceEvent{
		Sender: aliceRef.UserID, Type: groupsession.ToDeviceEncrypted, Content: raw,
	})
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	dev, ok, err := bob.ident.Device(aliceRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, dev.Flagged)
	_, ok, err = bob.mgr.Inbound(room, content.SessionID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecrypt_TamperedMessageFlagsDevice(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	_, c := send(t, alice, devices, refs, "original")
	bob.receiveKeys(t, srv)

	c.Ciphertext = bytes.Clone(c.Ciphertext)
	c.Ciphertext[len(c.Ciphertext)-1] ^= 0xff
	_, _, _, err := bob.mgr.DecryptGroupMessage(room, c)
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	dev, ok, err := bob.ident.Device(aliceRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, dev.Flagged)
}

func TestDecrypt_SessionClaimedByOtherDeviceFlagsDevice(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	_, c := send(t, alice, devices, refs, "original")
	bob.receiveKeys(t, srv)

	c.SenderKey = domain.X25519Public{1}
	_, _, _, err := bob.mgr.DecryptGroupMessage(room, c)
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	dev, ok, err := bob.ident.Device(aliceRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, dev.Flagged)
}

func TestIngest_KnownSessionNotRewound(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{})
	bob := newPeer(t, srv, bobRef, domain.RotationSettings{}, groupsession.Options{})
	devices, refs := alice.recipients(t, bobRef.UserID)

	_, c := send(t, alice, devices, refs, "one")
	shares := srv.DropToDevice(bobRef)
	require.Len(t, shares, 1)
	srv.DeliverToDevice(bobRef, shares...)
	bob.receiveKeys(t, srv)
	_, _, _, err := bob.mgr.DecryptGroupMessage(room, c)
	require.NoError(t, err)

	// The same share delivered again must not reset the ratchet.
	srv.DeliverToDevice(bobRef, shares...)
	bob.receiveKeys(t, srv)
	_, _, _, err = bob.mgr.DecryptGroupMessage(room, c)
	if !errors.Is(err, domain.ErrForwardSecrecyViolation) {
		t.Fatalf("want ErrForwardSecrecyViolation after re-share, got %v", err)
	}
}

func TestCreate_AfterFailedBootstrap_Blocked(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	alice := newPeer(t, srv, aliceRef, domain.RotationSettings{}, groupsession.Options{CrossSigning: failedBootstrap{}})
	_, err := alice.mgr.GetOrCreateOutboundSession(context.Background(), room, nil)
	if !errors.Is(err, domain.ErrCrossSigningUnavailable) {
		t.Fatalf("want ErrCrossSigningUnavailable, got %v", err)
	}
}
