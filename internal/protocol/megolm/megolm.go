package megolm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

const (
	version = 1

	// MaxSkip bounds how far ahead of the ratchet a message index may be.
	MaxSkip = 1 << 16

	// MaxIndex is the last index a session may encrypt at.
	MaxIndex = math.MaxUint32 - 1
)

var (
	ErrIndexBehind = fmt.Errorf("megolm: %w", domain.ErrForwardSecrecyViolation)
	ErrTooFarAhead = fmt.Errorf("megolm: index too far ahead: %w", domain.ErrMalformed)
	ErrBadMessage  = fmt.Errorf("megolm: %w", domain.ErrMalformed)
	ErrAuthFailed  = fmt.Errorf("megolm: %w", domain.ErrSignatureInvalid)
	ErrExhausted   = errors.New("megolm: message counter exhausted")
)

// AD names the room and session a message belongs to.
type AD struct {
	RoomID    id.RoomID
	SessionID id.SessionID
}

func (a AD) bytes(index uint32) []byte {
	out := make([]byte, 0, len(a.RoomID)+len(a.SessionID)+6)
	out = append(out, string(a.RoomID)...)
	out = append(out, '|')
	out = append(out, string(a.SessionID)...)
	out = append(out, '|')
	return binary.BigEndian.AppendUint32(out, index)
}

type message struct {
	V     uint8  `cbor:"1,keyasint"`
	Index uint32 `cbor:"2,keyasint"`
	Body  []byte `cbor:"3,keyasint"`
	Sig   []byte `cbor:"4,keyasint"`
}

// SessionID derives the public session id from the session signing key.
func SessionID(signing domain.Ed25519Public) id.SessionID {
	return id.SessionID(signing.String())
}

// NewSession returns a fresh ratchet at index 0 with its signing key.
func NewSession() (domain.GroupRatchet, domain.Ed25519Private, error) {
	var r domain.GroupRatchet
	if _, err := rand.Read(r.ChainKey[:]); err != nil {
		return r, domain.Ed25519Private{}, err
	}
	priv, _, err := crypto.GenerateEd25519()
	if err != nil {
		return r, domain.Ed25519Private{}, err
	}
	return r, priv, nil
}

// Encrypt seals plaintext at the ratchet's current index and advances it.
func Encrypt(r *domain.GroupRatchet, signing domain.Ed25519Private, ad AD, plaintext []byte) ([]byte, uint32, error) {
	if r.Index > MaxIndex {
		return nil, 0, ErrExhausted
	}
	index := r.Index
	next, mk := kdfCK(r.ChainKey[:])
	defer memzero.Zero(mk)

	body, err := seal(mk, ad.bytes(index), plaintext)
	if err != nil {
		return nil, 0, err
	}
	sig := crypto.SignEd25519(signing, signedBytes(ad, index, body))
	out, err := crypto.Canonical(message{V: version, Index: index, Body: body, Sig: sig})
	if err != nil {
		return nil, 0, err
	}

	copy(r.ChainKey[:], next)
	memzero.Zero(next)
	r.Index++
	return out, index, nil
}

// Decrypt opens ciphertext against r without mutating it. On success it
// returns the ratchet advanced past the consumed index; the caller commits it.
func Decrypt(r domain.GroupRatchet, signing domain.Ed25519Public, ad AD, ciphertext []byte) ([]byte, domain.GroupRatchet, uint32, error) {
	msg, err := decode(ciphertext)
	if err != nil {
		return nil, r, 0, err
	}
	index := msg.Index

	if !crypto.VerifyEd25519(signing, signedBytes(ad, index, msg.Body), msg.Sig) {
		return nil, r, index, ErrAuthFailed
	}
	if index < r.Index {
		return nil, r, index, ErrIndexBehind
	}
	if index-r.Index > MaxSkip {
		return nil, r, index, ErrTooFarAhead
	}

	ck := AdvanceTo(r, index)
	next, mk := kdfCK(ck.ChainKey[:])
	defer memzero.Zero(mk)
	memzero.Zero(ck.ChainKey[:])

	pt, err := open(mk, ad.bytes(index), msg.Body)
	if err != nil {
		memzero.Zero(next)
		return nil, r, index, ErrAuthFailed
	}
	out := domain.GroupRatchet{Index: index + 1}
	copy(out.ChainKey[:], next)
	memzero.Zero(next)
	return pt, out, index, nil
}

// PeekIndex returns the message index of a ciphertext without decrypting it.
func PeekIndex(ciphertext []byte) (uint32, error) {
	msg, err := decode(ciphertext)
	if err != nil {
		return 0, err
	}
	return msg.Index, nil
}

func decode(ciphertext []byte) (message, error) {
	var msg message
	if err := crypto.DecodeCanonical(ciphertext, &msg); err != nil {
		return message{}, ErrBadMessage
	}
	if msg.V != version || len(msg.Body) == 0 || len(msg.Sig) == 0 || msg.Index > MaxIndex {
		return message{}, ErrBadMessage
	}
	return msg, nil
}

// AdvanceTo returns r moved forward to index. Moving backwards is impossible;
// an index at or behind r returns r unchanged.
func AdvanceTo(r domain.GroupRatchet, index uint32) domain.GroupRatchet {
	out := r
	for out.Index < index {
		next, mk := kdfCK(out.ChainKey[:])
		memzero.Zero(mk)
		copy(out.ChainKey[:], next)
		memzero.Zero(next)
		out.Index++
	}
	return out
}

// --- helpers ---

func signedBytes(ad AD, index uint32, body []byte) []byte {
	out := []byte("cipherroom.megolm.v1|")
	out = append(out, ad.bytes(index)...)
	return append(out, body...)
}

func seal(mk, ad, plaintext []byte) ([]byte, error) {
	key, nonce := expandMK(mk)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(mk, ad, ciphertext []byte) ([]byte, error) {
	key, nonce := expandMK(mk)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

// HKDF-based KDFs with labels.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("megolm|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func expandMK(mk []byte) (key, nonce []byte) {
	r := hkdf.New(sha256.New, mk, nil, []byte("megolm|mk"))
	key = make([]byte, chacha20poly1305.KeySize)
	nonce = make([]byte, chacha20poly1305.NonceSize)
	_, _ = io.ReadFull(r, key)
	_, _ = io.ReadFull(r, nonce)
	return
}
