package olm_test

import (
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/protocol/olm"
)

// makeIdentity returns a device identity with fresh X25519 and Ed25519 pairs.
func makeIdentity(t *testing.T, device string) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.Identity{
		UserID:       "@user:example.org",
		DeviceID:     id.DeviceID(device),
		IdentityPub:  xPub,
		IdentityPriv: xPriv,
		SigningPub:   edPub,
		SigningPriv:  edPriv,
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	alice := makeIdentity(t, "ALICE")
	bob := makeIdentity(t, "BOB")

	sealed, err := olm.Seal(alice, bob.IdentityPub, []byte("room key"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed.SenderKey != alice.IdentityPub || sealed.SenderDevice != alice.DeviceID {
		t.Fatal("sender fields not set")
	}
	pt, err := olm.Open(bob, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != "room key" {
		t.Fatalf("got %q", pt)
	}
}

func TestOpen_WrongRecipient(t *testing.T) {
	alice := makeIdentity(t, "ALICE")
	bob := makeIdentity(t, "BOB")
	eve := makeIdentity(t, "EVE")

	sealed, err := olm.Seal(alice, bob.IdentityPub, []byte("room key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := olm.Open(eve, sealed); !errors.Is(err, olm.ErrWrongRecipient) {
		t.Fatalf("err = %v, want ErrWrongRecipient", err)
	}

	// Redirecting the envelope does not help either.
	sealed.RecipientKey = eve.IdentityPub
	if _, err := olm.Open(eve, sealed); !errors.Is(err, olm.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestOpen_SpoofedSender(t *testing.T) {
	alice := makeIdentity(t, "ALICE")
	bob := makeIdentity(t, "BOB")
	mallory := makeIdentity(t, "MALLORY")

	sealed, err := olm.Seal(mallory, bob.IdentityPub, []byte("room key"))
	if err != nil {
		t.Fatal(err)
	}
	sealed.SenderKey = alice.IdentityPub
	if _, err := olm.Open(bob, sealed); !errors.Is(err, olm.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}
