package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

const (
	// The current supported version of the keystore header and sealed records.
	keystoreFormatVersion = 1

	keystoreFilename = "keystore.json"
	canaryPlaintext  = "cipherroom keystore"
)

// ScryptParams tune key derivation for the keystore.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams are used for new keystores.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// header is the on-disk JSON structure holding the KDF parameters.
type header struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Canary blob   `json:"canary"`
}

// blob is one sealed record.
type blob struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Keystore seals records under a key derived once from the passphrase.
type Keystore struct {
	key []byte
}

// OpenKeystore opens the keystore in dir, creating it with params if absent.
// A wrong passphrase fails with domain.ErrWrongPassphrase.
func OpenKeystore(dir, passphrase string, params ScryptParams) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, keystoreFilename)
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return createKeystore(path, passphrase, params)
	}

	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if h.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", h.V)
	}
	key, err := scrypt.Key([]byte(passphrase), h.Salt, h.N, h.R, h.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	ks := &Keystore{key: key}
	pt, err := ks.open("canary", h.Canary)
	if err != nil || string(pt) != canaryPlaintext {
		ks.Close()
		return nil, domain.ErrWrongPassphrase
	}
	return ks, nil
}

func createKeystore(path, passphrase string, params ScryptParams) (*Keystore, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	ks := &Keystore{key: key}
	canary, err := ks.seal("canary", []byte(canaryPlaintext))
	if err != nil {
		return nil, err
	}
	h := header{
		V:      keystoreFormatVersion,
		Salt:   salt[:],
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Canary: canary,
	}
	if err := writeJSON(path, h, 0o600); err != nil {
		return nil, err
	}
	return ks, nil
}

// Close wipes the derived key.
func (k *Keystore) Close() {
	memzero.Zero(k.key)
}

// seal encrypts raw; name is bound as associated data so records cannot be swapped.
func (k *Keystore) seal(name string, raw []byte) (blob, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return blob{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return blob{}, err
	}
	return blob{V: keystoreFormatVersion, Nonce: nonce, Cipher: aead.Seal(nil, nonce, raw, []byte(name))}, nil
}

func (k *Keystore) open(name string, b blob) ([]byte, error) {
	if b.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported record version %d", b.V)
	}
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, err
	}
	if len(b.Nonce) != aead.NonceSize() {
		return nil, domain.ErrWrongPassphrase
	}
	pt, err := aead.Open(nil, b.Nonce, b.Cipher, []byte(name))
	if err != nil {
		return nil, domain.ErrWrongPassphrase
	}
	return pt, nil
}
