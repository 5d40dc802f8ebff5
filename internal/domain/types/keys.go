package types

import (
	"encoding/base64"
	"fmt"
)

// KeyEncoding is the unpadded standard base64 used for keys on the wire.
var KeyEncoding = base64.RawStdEncoding

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// String returns the unpadded base64 form of the key.
func (p X25519Public) String() string { return KeyEncoding.EncodeToString(p[:]) }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText encodes the key as unpadded base64.
func (p X25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes an unpadded base64 key.
func (p *X25519Public) UnmarshalText(b []byte) error {
	return decodeFixed(p[:], b, "x25519 public")
}

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// MarshalText encodes the key as unpadded base64.
func (k X25519Private) MarshalText() ([]byte, error) {
	return []byte(KeyEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText decodes an unpadded base64 key.
func (k *X25519Private) UnmarshalText(b []byte) error {
	return decodeFixed(k[:], b, "x25519 private")
}

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// String returns the unpadded base64 form of the key.
func (p Ed25519Public) String() string { return KeyEncoding.EncodeToString(p[:]) }

// IsZero reports whether the key is unset.
func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

// MarshalText encodes the key as unpadded base64.
func (p Ed25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes an unpadded base64 key.
func (p *Ed25519Public) UnmarshalText(b []byte) error {
	return decodeFixed(p[:], b, "ed25519 public")
}

// Ed25519Private is an Ed25519 signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Public returns the public half embedded in the private key.
func (k Ed25519Private) Public() Ed25519Public {
	var pub Ed25519Public
	copy(pub[:], k[32:])
	return pub
}

// MarshalText encodes the key as unpadded base64.
func (k Ed25519Private) MarshalText() ([]byte, error) {
	return []byte(KeyEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText decodes an unpadded base64 key.
func (k *Ed25519Private) UnmarshalText(b []byte) error {
	return decodeFixed(k[:], b, "ed25519 private")
}

// ParseX25519Public decodes an unpadded base64 Curve25519 public key.
func ParseX25519Public(s string) (X25519Public, error) {
	var out X25519Public
	err := out.UnmarshalText([]byte(s))
	return out, err
}

// ParseEd25519Public decodes an unpadded base64 Ed25519 public key.
func ParseEd25519Public(s string) (Ed25519Public, error) {
	var out Ed25519Public
	err := out.UnmarshalText([]byte(s))
	return out, err
}

func decodeFixed(dst, src []byte, what string) error {
	if KeyEncoding.DecodedLen(len(src)) != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", what, len(dst), KeyEncoding.DecodedLen(len(src)))
	}
	n, err := KeyEncoding.Decode(dst, src)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", what, len(dst), n)
	}
	return nil
}
