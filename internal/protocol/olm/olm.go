package olm

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

var (
	ErrWrongRecipient = errors.New("olm: payload not addressed to this device")
	ErrOpen           = errors.New("olm: cannot open payload")
)

// Seal encrypts plaintext from sender to the device owning recipientKey.
func Seal(sender domain.Identity, recipientKey domain.X25519Public, plaintext []byte) (domain.SealedToDevice, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SealedToDevice{}, err
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(ephPriv, recipientKey)
	if err != nil {
		return domain.SealedToDevice{}, err
	}
	dh2, err := crypto.DH(sender.IdentityPriv, recipientKey)
	if err != nil {
		return domain.SealedToDevice{}, err
	}

	out := domain.SealedToDevice{
		Algorithm:    id.AlgorithmOlmV1,
		SenderKey:    sender.IdentityPub,
		SenderDevice: sender.DeviceID,
		RecipientKey: recipientKey,
		Ephemeral:    ephPub,
	}
	key, nonce := deriveKey(dh1, dh2, out)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.SealedToDevice{}, err
	}
	out.Ciphertext = aead.Seal(nil, nonce, plaintext, associatedData(out))
	return out, nil
}

// Open decrypts a payload sealed to recipient.
func Open(recipient domain.Identity, sealed domain.SealedToDevice) ([]byte, error) {
	if sealed.RecipientKey != recipient.IdentityPub {
		return nil, ErrWrongRecipient
	}
	dh1, err := crypto.DH(recipient.IdentityPriv, sealed.Ephemeral)
	if err != nil {
		return nil, ErrOpen
	}
	dh2, err := crypto.DH(recipient.IdentityPriv, sealed.SenderKey)
	if err != nil {
		return nil, ErrOpen
	}
	key, nonce := deriveKey(dh1, dh2, sealed)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed.Ciphertext, associatedData(sealed))
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

func deriveKey(dh1, dh2 [32]byte, s domain.SealedToDevice) (key, nonce []byte) {
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	defer memzero.Zero(ikm)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])

	r := hkdf.New(sha256.New, ikm, nil, append([]byte("olm|seal|"), associatedData(s)...))
	key = make([]byte, chacha20poly1305.KeySize)
	nonce = make([]byte, chacha20poly1305.NonceSize)
	_, _ = io.ReadFull(r, key)
	_, _ = io.ReadFull(r, nonce)
	return key, nonce
}

func associatedData(s domain.SealedToDevice) []byte {
	ad := make([]byte, 0, 96+len(s.SenderDevice))
	ad = append(ad, s.SenderKey[:]...)
	ad = append(ad, s.RecipientKey[:]...)
	ad = append(ad, s.Ephemeral[:]...)
	return append(ad, string(s.SenderDevice)...)
}
