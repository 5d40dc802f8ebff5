package crypto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"cipherroom/internal/domain"
)

var (
	canonicalEnc cbor.EncMode
	canonicalDec cbor.DecMode
)

func init() {
	var err error
	canonicalEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("crypto: cbor encoder: %v", err))
	}
	canonicalDec, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("crypto: cbor decoder: %v", err))
	}
}

// Canonical returns the Core Deterministic CBOR encoding of v.
//
// Equal values always encode to identical bytes, so the result is safe to
// sign and to persist without lossy re-serialization.
func Canonical(v any) ([]byte, error) {
	return canonicalEnc.Marshal(v)
}

// DecodeCanonical decodes CBOR produced by Canonical, rejecting duplicate keys.
func DecodeCanonical(data []byte, v any) error {
	return canonicalDec.Unmarshal(data, v)
}

// SignCanonical signs the canonical encoding of v.
func SignCanonical(priv domain.Ed25519Private, v any) ([]byte, error) {
	msg, err := Canonical(v)
	if err != nil {
		return nil, fmt.Errorf("encode for signing: %w", err)
	}
	return SignEd25519(priv, msg), nil
}

// VerifyCanonical reports whether sig is a valid signature of v by pub.
func VerifyCanonical(pub domain.Ed25519Public, v any, sig []byte) bool {
	msg, err := Canonical(v)
	if err != nil {
		return false
	}
	return VerifyEd25519(pub, msg, sig)
}
