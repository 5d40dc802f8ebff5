package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

const (
	KeyBytes   = 32
	SaltBytes  = 16
	NonceBytes = chacha20poly1305.NonceSizeX

	sealedSecretVersion = 1
)

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeyBytes)
}

// SealSecret encrypts plaintext under a KEK derived from passphrase and a
// fresh salt. The purpose string is bound as associated data.
func SealSecret(passphrase, purpose string, plaintext []byte) (domain.SealedSecret, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return domain.SealedSecret{}, err
	}
	kek := DeriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return domain.SealedSecret{}, err
	}
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return domain.SealedSecret{}, err
	}
	return domain.SealedSecret{
		Version:    sealedSecretVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(purpose)),
	}, nil
}

// OpenSecret reverses SealSecret. A wrong passphrase or purpose yields
// domain.ErrWrongPassphrase.
func OpenSecret(passphrase, purpose string, sealed domain.SealedSecret) ([]byte, error) {
	if sealed.Version != sealedSecretVersion {
		return nil, errors.New("unsupported sealed secret version")
	}
	if len(sealed.Salt) != SaltBytes || len(sealed.Nonce) != NonceBytes {
		return nil, errors.New("invalid sealed secret")
	}
	kek := DeriveKEK(passphrase, sealed.Salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(purpose))
	if err != nil {
		return nil, domain.ErrWrongPassphrase
	}
	return pt, nil
}
