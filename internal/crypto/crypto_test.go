package crypto_test

import (
	"bytes"
	"errors"
	"testing"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
)

func TestCanonical_Deterministic(t *testing.T) {
	a := map[string]uint32{"b": 2, "a": 1, "c": 3}
	b := map[string]uint32{"c": 3, "a": 1, "b": 2}

	ea, err := crypto.Canonical(a)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	eb, err := crypto.Canonical(b)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if !bytes.Equal(ea, eb) {
		t.Fatal("equal maps encoded differently")
	}
}

func TestSignCanonical_Verify_OK(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	keys := domain.DeviceKeys{UserID: "@a:example.org", DeviceID: "DEV", SigningKey: pub}

	sig, err := crypto.SignCanonical(priv, keys)
	if err != nil {
		t.Fatalf("SignCanonical: %v", err)
	}
	if !crypto.VerifyCanonical(pub, keys, sig) {
		t.Fatal("valid signature rejected")
	}
	keys.DeviceID = "OTHER"
	if crypto.VerifyCanonical(pub, keys, sig) {
		t.Fatal("signature accepted for modified payload")
	}
	if crypto.VerifyEd25519(pub, []byte("x"), []byte("short")) {
		t.Fatal("short signature accepted")
	}
}

func TestSealSecret_Open_OK(t *testing.T) {
	sealed, err := crypto.SealSecret("correct horse", "m.cross_signing", []byte("private keys"))
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	pt, err := crypto.OpenSecret("correct horse", "m.cross_signing", sealed)
	if err != nil {
		t.Fatalf("OpenSecret: %v", err)
	}
	if string(pt) != "private keys" {
		t.Fatalf("got %q", pt)
	}

	if _, err := crypto.OpenSecret("wrong", "m.cross_signing", sealed); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("wrong passphrase err = %v", err)
	}
	if _, err := crypto.OpenSecret("correct horse", "other", sealed); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("wrong purpose err = %v", err)
	}
}

func TestDH_Agrees(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	ab, err := crypto.DH(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := crypto.DH(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
	if _, err := crypto.DH(aPriv, domain.X25519Public{}); err == nil {
		t.Fatal("low-order point accepted")
	}
}

func TestFingerprint_Format(t *testing.T) {
	fp := crypto.Fingerprint([]byte("key"))
	if len(fp) != 24 {
		t.Fatalf("fingerprint %q has length %d, want 24", fp, len(fp))
	}
	if fp != crypto.Fingerprint([]byte("key")) {
		t.Fatal("fingerprint not stable")
	}
}
