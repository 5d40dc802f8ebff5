package homeserver

import (
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const (
	keyAlgCurve25519 = "curve25519"
	keyAlgEd25519    = "ed25519"
)

// wireDeviceKeys is the Matrix JSON shape of a device key announcement.
type wireDeviceKeys struct {
	UserID     id.UserID                       `json:"user_id"`
	DeviceID   id.DeviceID                     `json:"device_id"`
	Algorithms []id.Algorithm                  `json:"algorithms"`
	Keys       map[string]string               `json:"keys"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

// wireCrossSigningKey is the Matrix JSON shape of a cross-signing key.
type wireCrossSigningKey struct {
	UserID     id.UserID                       `json:"user_id"`
	Usage      []string                        `json:"usage"`
	Keys       map[string]string               `json:"keys"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

func keyID(alg, name string) string { return alg + ":" + name }

func toWireSignatures(sigs []domain.Signature, selfDevice id.DeviceID, selfKey domain.Ed25519Public) map[id.UserID]map[string]string {
	if len(sigs) == 0 {
		return nil
	}
	out := make(map[id.UserID]map[string]string)
	for _, s := range sigs {
		name := s.SignerKey.String()
		if selfDevice != "" && s.SignerKey == selfKey {
			name = string(selfDevice)
		}
		if out[s.SignerUser] == nil {
			out[s.SignerUser] = make(map[string]string)
		}
		out[s.SignerUser][keyID(keyAlgEd25519, name)] = domain.KeyEncoding.EncodeToString(s.Sig)
	}
	return out
}

func fromWireSignatures(in map[id.UserID]map[string]string, selfDevice id.DeviceID, selfKey domain.Ed25519Public) ([]domain.Signature, error) {
	var out []domain.Signature
	for user, byKey := range in {
		for kid, sigB64 := range byKey {
			alg, name, ok := strings.Cut(kid, ":")
			if !ok || alg != keyAlgEd25519 {
				continue
			}
			var signer domain.Ed25519Public
			if selfDevice != "" && name == string(selfDevice) {
				signer = selfKey
			} else {
				k, err := domain.ParseEd25519Public(name)
				if err != nil {
					continue
				}
				signer = k
			}
			sig, err := domain.KeyEncoding.DecodeString(sigB64)
			if err != nil {
				return nil, fmt.Errorf("signature %s: %w", kid, err)
			}
			out = append(out, domain.Signature{SignerUser: user, SignerKey: signer, Sig: sig})
		}
	}
	sortSignatures(out)
	return out, nil
}

func toWireDeviceKeys(k domain.DeviceKeys) wireDeviceKeys {
	return wireDeviceKeys{
		UserID:     k.UserID,
		DeviceID:   k.DeviceID,
		Algorithms: k.Algorithms,
		Keys: map[string]string{
			keyID(keyAlgCurve25519, string(k.DeviceID)): k.IdentityKey.String(),
			keyID(keyAlgEd25519, string(k.DeviceID)):    k.SigningKey.String(),
		},
		Signatures: toWireSignatures(k.Signatures, k.DeviceID, k.SigningKey),
	}
}

func fromWireDeviceKeys(w wireDeviceKeys) (domain.DeviceKeys, error) {
	out := domain.DeviceKeys{UserID: w.UserID, DeviceID: w.DeviceID, Algorithms: w.Algorithms}
	var err error
	if out.IdentityKey, err = domain.ParseX25519Public(w.Keys[keyID(keyAlgCurve25519, string(w.DeviceID))]); err != nil {
		return out, fmt.Errorf("device %s identity key: %w", w.DeviceID, err)
	}
	if out.SigningKey, err = domain.ParseEd25519Public(w.Keys[keyID(keyAlgEd25519, string(w.DeviceID))]); err != nil {
		return out, fmt.Errorf("device %s signing key: %w", w.DeviceID, err)
	}
	if out.Signatures, err = fromWireSignatures(w.Signatures, w.DeviceID, out.SigningKey); err != nil {
		return out, err
	}
	return out, nil
}

func toWireCrossSigningKey(k domain.CrossSigningKey) wireCrossSigningKey {
	return wireCrossSigningKey{
		UserID:     k.UserID,
		Usage:      []string{k.Usage},
		Keys:       map[string]string{keyID(keyAlgEd25519, k.Key.String()): k.Key.String()},
		Signatures: toWireSignatures(k.Signatures, "", domain.Ed25519Public{}),
	}
}

func fromWireCrossSigningKey(w wireCrossSigningKey) (domain.CrossSigningKey, error) {
	out := domain.CrossSigningKey{UserID: w.UserID}
	if len(w.Usage) > 0 {
		out.Usage = w.Usage[0]
	}
	for kid, val := range w.Keys {
		alg, _, _ := strings.Cut(kid, ":")
		if alg != keyAlgEd25519 {
			continue
		}
		k, err := domain.ParseEd25519Public(val)
		if err != nil {
			return out, fmt.Errorf("cross-signing key: %w", err)
		}
		out.Key = k
	}
	if out.Key.IsZero() {
		return out, fmt.Errorf("cross-signing key for %s has no ed25519 key", w.UserID)
	}
	sigs, err := fromWireSignatures(w.Signatures, "", domain.Ed25519Public{})
	if err != nil {
		return out, err
	}
	out.Signatures = sigs
	return out, nil
}

func sortSignatures(sigs []domain.Signature) {
	slices.SortFunc(sigs, func(a, b domain.Signature) int {
		if a.SignerUser != b.SignerUser {
			return strings.Compare(string(a.SignerUser), string(b.SignerUser))
		}
		return strings.Compare(a.SignerKey.String(), b.SignerKey.String())
	})
}
