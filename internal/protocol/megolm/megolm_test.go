package megolm_test

import (
	"errors"
	"testing"

	"cipherroom/internal/domain"
	"cipherroom/internal/protocol/megolm"
)

func newSession(t *testing.T) (domain.GroupRatchet, domain.Ed25519Private, megolm.AD) {
	t.Helper()
	r, signing, err := megolm.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ad := megolm.AD{RoomID: "!room:example.org", SessionID: megolm.SessionID(signing.Public())}
	return r, signing, ad
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	out, signing, ad := newSession(t)
	in := out

	ct, idx, err := megolm.Encrypt(&out, signing, ad, []byte("hello room"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if idx != 0 || out.Index != 1 {
		t.Fatalf("index = %d, ratchet = %d; want 0 and 1", idx, out.Index)
	}

	pt, next, gotIdx, err := megolm.Decrypt(in, signing.Public(), ad, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello room" || gotIdx != 0 {
		t.Fatalf("got %q at %d", pt, gotIdx)
	}
	if next != out {
		t.Fatalf("receiver ratchet %v does not match sender %v", next.Index, out.Index)
	}
}

func TestEncrypt_IndicesStrictlyIncrease(t *testing.T) {
	r, signing, ad := newSession(t)
	seen := map[uint32]bool{}
	var last uint32
	for i := range 20 {
		_, idx, err := megolm.Encrypt(&r, signing, ad, []byte("m"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		if seen[idx] {
			t.Fatalf("index %d reused", idx)
		}
		if i > 0 && idx <= last {
			t.Fatalf("index %d not after %d", idx, last)
		}
		seen[idx] = true
		last = idx
	}
}

func TestDecrypt_ReplayIsForwardSecrecyViolation(t *testing.T) {
	out, signing, ad := newSession(t)
	in := out

	first, _, err := megolm.Encrypt(&out, signing, ad, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	_, in, _, err = megolm.Decrypt(in, signing.Public(), ad, first)
	if err != nil {
		t.Fatalf("first decrypt: %v", err)
	}

	_, after, _, err := megolm.Decrypt(in, signing.Public(), ad, first)
	if !errors.Is(err, domain.ErrForwardSecrecyViolation) {
		t.Fatalf("replay err = %v, want forward secrecy violation", err)
	}
	if after != in {
		t.Fatal("failed decrypt must not move the ratchet")
	}
}

func TestDecrypt_SkipsAheadAndRejectsEarlier(t *testing.T) {
	out, signing, ad := newSession(t)
	in := out

	var cts [][]byte
	for range 4 {
		ct, _, err := megolm.Encrypt(&out, signing, ad, []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		cts = append(cts, ct)
	}

	_, in, idx, err := megolm.Decrypt(in, signing.Public(), ad, cts[2])
	if err != nil || idx != 2 {
		t.Fatalf("decrypt index 2: idx=%d err=%v", idx, err)
	}
	if in.Index != 3 {
		t.Fatalf("ratchet index = %d, want 3", in.Index)
	}
	if _, _, _, err := megolm.Decrypt(in, signing.Public(), ad, cts[1]); !errors.Is(err, domain.ErrForwardSecrecyViolation) {
		t.Fatalf("earlier index err = %v", err)
	}
	if _, _, _, err := megolm.Decrypt(in, signing.Public(), ad, cts[3]); err != nil {
		t.Fatalf("later index: %v", err)
	}
}

func TestDecrypt_TamperedOrForeign(t *testing.T) {
	out, signing, ad := newSession(t)
	in := out
	ct, _, err := megolm.Encrypt(&out, signing, ad, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	_, otherSigning, _ := newSession(t)
	if _, _, _, err := megolm.Decrypt(in, otherSigning.Public(), ad, ct); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("foreign signer err = %v", err)
	}

	moved := ad
	moved.RoomID = "!other:example.org"
	if _, _, _, err := megolm.Decrypt(in, signing.Public(), moved, ct); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("other room err = %v", err)
	}

	if _, _, _, err := megolm.Decrypt(in, signing.Public(), ad, []byte("garbage")); !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("garbage err = %v", err)
	}
}

func TestDecrypt_TooFarAhead(t *testing.T) {
	out, signing, ad := newSession(t)
	in := out
	out = megolm.AdvanceTo(out, megolm.MaxSkip+1)
	ct, _, err := megolm.Encrypt(&out, signing, ad, []byte("late"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := megolm.Decrypt(in, signing.Public(), ad, ct); !errors.Is(err, megolm.ErrTooFarAhead) {
		t.Fatalf("err = %v, want ErrTooFarAhead", err)
	}
}

func TestEncrypt_Exhausted(t *testing.T) {
	r, signing, ad := newSession(t)
	r.Index = megolm.MaxIndex
	if _, _, err := megolm.Encrypt(&r, signing, ad, []byte("last")); err != nil {
		t.Fatalf("last index: %v", err)
	}
	if _, _, err := megolm.Encrypt(&r, signing, ad, []byte("over")); !errors.Is(err, megolm.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}
