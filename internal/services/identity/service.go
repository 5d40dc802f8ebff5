package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
)

var (
	// ErrIdentityMismatch is returned when the stored identity belongs to a
	// different account or device than the one this service was opened for.
	ErrIdentityMismatch = errors.New("stored identity belongs to another device")

	// ErrNoKeysAPI is returned by operations that need the homeserver when
	// the service was built without one.
	ErrNoKeysAPI = errors.New("identity: no homeserver keys API configured")
)

// Algorithms announced in device keys.
var supportedAlgorithms = []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1}

// Options are the optional collaborators of a Service.
type Options struct {
	// Keys publishes and queries device keys. Without it the service works
	// purely on local state.
	Keys domain.KeysAPI
	// CrossSigning holds the local self-signing key used to upgrade own
	// devices to verified.
	CrossSigning domain.CrossSigningStore
	// Now overrides the clock.
	Now func() time.Time
}

// Service manages the local identity and the peer device trust table.
type Service struct {
	ref          domain.DeviceRef
	idStore      domain.IdentityStore
	devices      domain.DeviceStore
	keys         domain.KeysAPI
	crossSigning domain.CrossSigningStore
	now          func() time.Time
	log          zerolog.Logger

	// mu serializes identity creation and trust-table updates.
	mu sync.Mutex

	listMu sync.Mutex
	// published holds, per tracked user, the device ids of the last query.
	published map[id.UserID][]id.DeviceID
	outdated  map[id.UserID]bool
}

// New returns an identity service for the device ref.
func New(ref domain.DeviceRef, idStore domain.IdentityStore, devices domain.DeviceStore, log zerolog.Logger, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		ref:          ref,
		idStore:      idStore,
		devices:      devices,
		keys:         opts.Keys,
		crossSigning: opts.CrossSigning,
		now:          now,
		log:          log.With().Str("component", "identity").Logger(),
		published:    make(map[id.UserID][]id.DeviceID),
		outdated:     make(map[id.UserID]bool),
	}
}

// Ref returns the device this service acts for.
func (s *Service) Ref() domain.DeviceRef { return s.ref }

// GetOrCreateIdentity returns the persisted identity, generating and saving
// one on first use. An existing identity is never regenerated.
func (s *Service) GetOrCreateIdentity(_ context.Context) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok, err := s.idStore.LoadIdentity()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if ok {
		if ident.Ref() != s.ref {
			return domain.Identity{}, fmt.Errorf("%w: stored %s, want %s", ErrIdentityMismatch, ident.Ref(), s.ref)
		}
		return ident, nil
	}

	identityPriv, identityPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	signingPriv, signingPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	ident = domain.Identity{
		UserID:       s.ref.UserID,
		DeviceID:     s.ref.DeviceID,
		IdentityPub:  identityPub,
		IdentityPriv: identityPriv,
		SigningPub:   signingPub,
		SigningPriv:  signingPriv,
		CreatedUTC:   s.now().UTC().Unix(),
	}
	if err := s.idStore.SaveIdentity(ident); err != nil {
		return domain.Identity{}, fmt.Errorf("save identity: %w", err)
	}
	s.log.Info().
		Str("user_id", string(s.ref.UserID)).
		Str("device_id", string(s.ref.DeviceID)).
		Str("fingerprint", crypto.DeviceFingerprint(signingPub).String()).
		Msg("created device identity")
	return ident, nil
}

// Fingerprint returns the fingerprint of this device's signing key.
func (s *Service) Fingerprint(ctx context.Context) (domain.Fingerprint, error) {
	ident, err := s.GetOrCreateIdentity(ctx)
	if err != nil {
		return "", err
	}
	return crypto.DeviceFingerprint(ident.SigningPub), nil
}

// DeviceKeys returns this device's self-signed key announcement.
func (s *Service) DeviceKeys(ctx context.Context) (domain.DeviceKeys, error) {
	ident, err := s.GetOrCreateIdentity(ctx)
	if err != nil {
		return domain.DeviceKeys{}, err
	}
	keys := domain.DeviceKeys{
		UserID:      ident.UserID,
		DeviceID:    ident.DeviceID,
		Algorithms:  slices.Clone(supportedAlgorithms),
		IdentityKey: ident.IdentityPub,
		SigningKey:  ident.SigningPub,
	}
	sig, err := crypto.SignCanonical(ident.SigningPriv, keys.Unsigned())
	if err != nil {
		return domain.DeviceKeys{}, fmt.Errorf("sign device keys: %w", err)
	}
	keys.Signatures = []domain.Signature{{SignerUser: ident.UserID, SignerKey: ident.SigningPub, Sig: sig}}
	return keys, nil
}

// PublishDeviceKeys uploads this device's signed keys.
func (s *Service) PublishDeviceKeys(ctx context.Context) error {
	if s.keys == nil {
		return ErrNoKeysAPI
	}
	keys, err := s.DeviceKeys(ctx)
	if err != nil {
		return err
	}
	if err := s.keys.UploadDeviceKeys(ctx, keys); err != nil {
		return err
	}
	s.log.Info().Str("device_id", string(keys.DeviceID)).Msg("published device keys")
	return nil
}

// RecordPeerDevice records the keys announced for a device.
//
// The first announcement wins. An announcement with different keys is kept
// as a conflict record; the recorded device is returned together with a
// *domain.KeyChangeError.
func (s *Service) RecordPeerDevice(userID id.UserID, deviceID id.DeviceID, keys domain.DeviceKeys) (domain.PeerDevice, error) {
	if keys.UserID != userID || keys.DeviceID != deviceID {
		return domain.PeerDevice{}, fmt.Errorf("keys for %s|%s announced as %s: %w", userID, deviceID, keys.Ref(), domain.ErrMalformed)
	}
	if keys.IdentityKey.IsZero() || keys.SigningKey.IsZero() {
		return domain.PeerDevice{}, fmt.Errorf("keys for %s: missing key: %w", keys.Ref(), domain.ErrMalformed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	announced := domain.PeerDevice{
		UserID:       userID,
		DeviceID:     deviceID,
		IdentityKey:  keys.IdentityKey,
		SigningKey:   keys.SigningKey,
		Status:       domain.Unverified,
		FirstSeenUTC: s.now().UTC().Unix(),
	}
	existing, ok, err := s.devices.LoadDevice(announced.Ref())
	if err != nil {
		return domain.PeerDevice{}, err
	}
	if !ok {
		if err := s.devices.SaveDevice(announced); err != nil {
			return domain.PeerDevice{}, err
		}
		s.log.Debug().Str("user_id", string(userID)).Str("device_id", string(deviceID)).Msg("recorded new device")
		return announced, nil
	}
	if existing.SameKeys(keys) {
		return existing, nil
	}

	announced.KeyConflict = true
	conflicts, err := s.devices.ListConflicts(announced.Ref())
	if err != nil {
		return domain.PeerDevice{}, err
	}
	known := slices.ContainsFunc(conflicts, func(c domain.PeerDevice) bool { return c.SameKeys(keys) })
	if !known {
		if err := s.devices.AppendConflict(announced); err != nil {
			return domain.PeerDevice{}, err
		}
		s.log.Warn().
			Str("user_id", string(userID)).
			Str("device_id", string(deviceID)).
			Str("recorded", crypto.DeviceFingerprint(existing.SigningKey).String()).
			Str("announced", crypto.DeviceFingerprint(keys.SigningKey).String()).
			Msg("device announced different keys")
	}
	return existing, &domain.KeyChangeError{Recorded: existing, Announced: announced}
}

// SetVerification sets the local trust decision for a recorded device.
func (s *Service) SetVerification(userID id.UserID, deviceID id.DeviceID, status domain.VerificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := domain.DeviceRef{UserID: userID, DeviceID: deviceID}
	dev, ok, err := s.devices.LoadDevice(ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("device %s: %w", ref, domain.ErrNotFound)
	}
	if dev.Status == status {
		return nil
	}
	before := dev.Status
	dev.Status = status
	if err := s.devices.SaveDevice(dev); err != nil {
		return err
	}
	s.log.Info().
		Str("user_id", string(userID)).
		Str("device_id", string(deviceID)).
		Stringer("from", before).
		Stringer("to", status).
		Msg("device verification changed")
	return nil
}

// IsTrusted reports whether a device may receive room keys and be shown as
// a trusted sender. Blacklisted devices never are; unverified devices are
// unless blacklistUnverified is set. Unknown devices are not trusted.
func (s *Service) IsTrusted(userID id.UserID, deviceID id.DeviceID, blacklistUnverified bool) bool {
	dev, ok, err := s.devices.LoadDevice(domain.DeviceRef{UserID: userID, DeviceID: deviceID})
	if err != nil || !ok {
		return false
	}
	switch dev.Status {
	case domain.Verified:
		return true
	case domain.Unverified:
		return !blacklistUnverified
	}
	return false
}

// Device returns the recorded device for ref.
func (s *Service) Device(ref domain.DeviceRef) (domain.PeerDevice, bool, error) {
	return s.devices.LoadDevice(ref)
}

// Devices lists the recorded devices of user, or of everyone if user is empty.
func (s *Service) Devices(user id.UserID) ([]domain.PeerDevice, error) {
	return s.devices.ListDevices(user)
}

// Conflicts lists conflicting key announcements recorded for ref.
func (s *Service) Conflicts(ref domain.DeviceRef) ([]domain.PeerDevice, error) {
	return s.devices.ListConflicts(ref)
}

// FlagDevice marks a recorded device as having misbehaved. Trust is left as is.
func (s *Service) FlagDevice(ref domain.DeviceRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok, err := s.devices.LoadDevice(ref)
	if err != nil || !ok {
		return err
	}
	dev.Flagged = reason
	if err := s.devices.SaveDevice(dev); err != nil {
		return err
	}
	s.log.Warn().Str("user_id", string(ref.UserID)).Str("device_id", string(ref.DeviceID)).Str("reason", reason).Msg("device flagged")
	return nil
}

// MarkDeviceListsChanged makes the next resolve for users query the homeserver.
func (s *Service) MarkDeviceListsChanged(users []id.UserID) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	for _, u := range users {
		s.outdated[u] = true
	}
}

// RefreshDevices queries the published devices of users and records every
// device whose announcement carries a valid self-signature.
func (s *Service) RefreshDevices(ctx context.Context, users []id.UserID) error {
	if len(users) == 0 {
		return nil
	}
	if s.keys == nil {
		return ErrNoKeysAPI
	}
	resp, err := s.keys.QueryKeys(ctx, users)
	if err != nil {
		return fmt.Errorf("query device keys: %w", err)
	}
	selfSigning := s.localSelfSigningKey()

	published := make(map[id.UserID][]id.DeviceID, len(users))
	for _, user := range users {
		published[user] = []id.DeviceID{}
		for deviceID, keys := range resp.DeviceKeys[user] {
			log := s.log.With().Str("user_id", string(user)).Str("device_id", string(deviceID)).Logger()
			if !validSelfSignature(keys) {
				log.Warn().Msg("ignoring device keys without a valid self-signature")
				continue
			}
			published[user] = append(published[user], deviceID)
			if keys.Ref() == s.ref {
				continue
			}
			dev, err := s.RecordPeerDevice(user, deviceID, keys)
			var keyChange *domain.KeyChangeError
			switch {
			case errors.As(err, &keyChange):
				continue
			case err != nil:
				log.Warn().Err(err).Msg("cannot record device")
				continue
			}
			if user == s.ref.UserID && selfSigning != nil && dev.Status == domain.Unverified && signedBy(keys, user, *selfSigning) {
				if err := s.SetVerification(user, deviceID, domain.Verified); err != nil {
					return err
				}
				log.Info().Msg("own device verified by cross-signing")
			}
		}
		slices.Sort(published[user])
	}

	s.listMu.Lock()
	for user, devices := range published {
		s.published[user] = devices
		delete(s.outdated, user)
	}
	s.listMu.Unlock()
	return nil
}

// ResolveDevice returns the recorded device for ref, querying the homeserver
// once if it was never seen.
func (s *Service) ResolveDevice(ctx context.Context, ref domain.DeviceRef) (domain.PeerDevice, error) {
	dev, ok, err := s.devices.LoadDevice(ref)
	if err != nil {
		return domain.PeerDevice{}, err
	}
	if ok {
		return dev, nil
	}
	if s.keys == nil {
		return domain.PeerDevice{}, fmt.Errorf("device %s: %w", ref, domain.ErrNotFound)
	}
	if err := s.RefreshDevices(ctx, []id.UserID{ref.UserID}); err != nil {
		return domain.PeerDevice{}, err
	}
	dev, ok, err = s.devices.LoadDevice(ref)
	if err != nil {
		return domain.PeerDevice{}, err
	}
	if !ok {
		return domain.PeerDevice{}, fmt.Errorf("device %s: %w", ref, domain.ErrNotFound)
	}
	return dev, nil
}

// ResolveRecipients returns the devices of users that should receive room
// keys: every currently published, recorded device except blacklisted ones
// and this device. newlySeen lists devices first recorded by this call.
func (s *Service) ResolveRecipients(ctx context.Context, users []id.UserID) (devices []domain.PeerDevice, newlySeen []domain.DeviceRef, err error) {
	before := make(map[domain.DeviceRef]bool)
	var stale []id.UserID
	s.listMu.Lock()
	for _, u := range users {
		if _, tracked := s.published[u]; !tracked || s.outdated[u] {
			stale = append(stale, u)
		}
	}
	s.listMu.Unlock()

	for _, u := range stale {
		known, err := s.devices.ListDevices(u)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range known {
			before[d.Ref()] = true
		}
	}
	if len(stale) > 0 {
		if err := s.RefreshDevices(ctx, stale); err != nil {
			return nil, nil, err
		}
	}

	s.listMu.Lock()
	published := make(map[domain.DeviceRef]bool)
	for _, u := range users {
		for _, d := range s.published[u] {
			published[domain.DeviceRef{UserID: u, DeviceID: d}] = true
		}
	}
	s.listMu.Unlock()

	staleSet := make(map[id.UserID]bool, len(stale))
	for _, u := range stale {
		staleSet[u] = true
	}
	for _, u := range users {
		recorded, err := s.devices.ListDevices(u)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range recorded {
			ref := d.Ref()
			if ref == s.ref || d.Status == domain.Blacklisted || !published[ref] {
				continue
			}
			devices = append(devices, d)
			if staleSet[u] && !before[ref] {
				newlySeen = append(newlySeen, ref)
			}
		}
	}
	slices.SortFunc(devices, func(a, b domain.PeerDevice) int { return domain.CompareDeviceRefs(a.Ref(), b.Ref()) })
	return devices, newlySeen, nil
}

func (s *Service) localSelfSigningKey() *domain.Ed25519Public {
	if s.crossSigning == nil {
		return nil
	}
	state, ok, err := s.crossSigning.LoadCrossSigning()
	if err != nil || !ok {
		return nil
	}
	k := state.Public.SelfSigning.Key
	return &k
}

func validSelfSignature(keys domain.DeviceKeys) bool {
	return signedBy(keys, keys.UserID, keys.SigningKey)
}

func signedBy(keys domain.DeviceKeys, signer id.UserID, key domain.Ed25519Public) bool {
	for _, sig := range keys.Signatures {
		if sig.SignerUser == signer && sig.SignerKey == key {
			return crypto.VerifyCanonical(key, keys.Unsigned(), sig.Sig)
		}
	}
	return false
}

// Compile-time assertion that Service implements domain.DeviceTrust.
var _ domain.DeviceTrust = (*Service)(nil)
