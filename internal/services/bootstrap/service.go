package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

const (
	// AccountDataSealedKeys is the account data type holding the sealed
	// cross-signing private keys.
	AccountDataSealedKeys = "m.cross_signing.sealed"

	sealPurpose = "cipherroom cross-signing v1"
)

var (
	// ErrNoPassphrase is returned when bootstrap needs a recovery passphrase
	// and none was given.
	ErrNoPassphrase = errors.New("recovery passphrase required")
	// ErrKeysMismatch means the recovered private keys do not belong to the
	// published cross-signing keys.
	ErrKeysMismatch = errors.New("recovered cross-signing keys do not match published keys")
)

// OwnDevice yields this device's self-signed key announcement.
type OwnDevice interface {
	DeviceKeys(ctx context.Context) (domain.DeviceKeys, error)
}

// Options holds optional dependencies.
type Options struct {
	Now func() time.Time
}

// Service runs the cross-signing bootstrap and reports its result.
type Service struct {
	ref    domain.DeviceRef
	device OwnDevice
	keys   domain.KeysAPI
	store  domain.CrossSigningStore
	log    zerolog.Logger
	now    func() time.Time

	failed atomic.Bool
}

// New returns a bootstrap Service for the device ref.
func New(ref domain.DeviceRef, device OwnDevice, keys domain.KeysAPI, store domain.CrossSigningStore, log zerolog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		ref:    ref,
		device: device,
		keys:   keys,
		store:  store,
		log:    log.With().Str("component", "bootstrap").Logger(),
		now:    opts.Now,
	}
	failure, failed, err := store.LoadBootstrapFailure()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not read bootstrap failure marker")
	} else if failed {
		s.log.Warn().Str("reason", failure.Reason).Time("failed_at", time.Unix(failure.FailedUTC, 0)).
			Msg("previous cross-signing bootstrap failed")
		s.failed.Store(true)
	}
	return s
}

// CrossSigningFailed reports whether the last bootstrap attempt failed. The
// result survives restarts until a bootstrap succeeds.
func (s *Service) CrossSigningFailed() bool { return s.failed.Load() }

// State returns the persisted cross-signing state, if any.
func (s *Service) State() (domain.CrossSigningState, bool, error) {
	return s.store.LoadCrossSigning()
}

// Bootstrap makes sure the account has a cross-signing identity this device
// can use. It returns immediately when one is already stored locally.
// Failures mark the service failed, which blocks creating new encrypted
// sessions but leaves established ones usable.
func (s *Service) Bootstrap(ctx context.Context, reauth domain.Reauthenticator, passphrase string) (domain.CrossSigningState, error) {
	if state, ok, err := s.store.LoadCrossSigning(); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("load cross-signing state: %w", err)
	} else if ok {
		s.log.Debug().Msg("cross-signing already bootstrapped")
		s.markSucceeded()
		return state, nil
	}

	state, err := s.bootstrap(ctx, reauth, passphrase)
	if err != nil {
		s.failed.Store(true)
		s.log.Error().Err(err).Msg("cross-signing bootstrap failed")
		failure := domain.BootstrapFailure{Reason: err.Error(), FailedUTC: s.now().UTC().Unix()}
		if serr := s.store.SaveBootstrapFailure(&failure); serr != nil {
			s.log.Warn().Err(serr).Msg("could not persist bootstrap failure")
		}
		return domain.CrossSigningState{}, fmt.Errorf("bootstrap cross-signing: %w", err)
	}
	s.markSucceeded()
	return state, nil
}

func (s *Service) markSucceeded() {
	if !s.failed.Swap(false) {
		return
	}
	if err := s.store.SaveBootstrapFailure(nil); err != nil {
		s.log.Warn().Err(err).Msg("could not clear bootstrap failure marker")
	}
}

func (s *Service) bootstrap(ctx context.Context, reauth domain.Reauthenticator, passphrase string) (domain.CrossSigningState, error) {
	if passphrase == "" {
		return domain.CrossSigningState{}, ErrNoPassphrase
	}
	resp, err := s.keys.QueryKeys(ctx, []id.UserID{s.ref.UserID})
	if err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("query own keys: %w", err)
	}
	if master, ok := resp.MasterKeys[s.ref.UserID]; ok {
		return s.recover(ctx, master, resp.SelfSigningKeys[s.ref.UserID], passphrase)
	}
	return s.create(ctx, reauth, passphrase)
}

// create generates and publishes a new cross-signing identity.
func (s *Service) create(ctx context.Context, reauth domain.Reauthenticator, passphrase string) (domain.CrossSigningState, error) {
	var secrets domain.CrossSigningSecrets
	defer memzero.Zero(secrets.Master[:])
	defer memzero.Zero(secrets.UserSigning[:])

	var err error
	var masterPub, sskPub, uskPub domain.Ed25519Public
	if secrets.Master, masterPub, err = crypto.GenerateEd25519(); err != nil {
		return domain.CrossSigningState{}, err
	}
	if secrets.SelfSigning, sskPub, err = crypto.GenerateEd25519(); err != nil {
		return domain.CrossSigningState{}, err
	}
	if secrets.UserSigning, uskPub, err = crypto.GenerateEd25519(); err != nil {
		return domain.CrossSigningState{}, err
	}

	user := s.ref.UserID
	public := domain.CrossSigningKeys{
		Master:      domain.CrossSigningKey{UserID: user, Usage: domain.UsageMaster, Key: masterPub},
		SelfSigning: domain.CrossSigningKey{UserID: user, Usage: domain.UsageSelfSigning, Key: sskPub},
		UserSigning: domain.CrossSigningKey{UserID: user, Usage: domain.UsageUserSigning, Key: uskPub},
	}
	if public.SelfSigning, err = signKey(public.SelfSigning, secrets.Master, masterPub); err != nil {
		return domain.CrossSigningState{}, err
	}
	if public.UserSigning, err = signKey(public.UserSigning, secrets.Master, masterPub); err != nil {
		return domain.CrossSigningState{}, err
	}

	// The sealed copy goes first: published keys without it cannot be
	// recovered by any later bootstrap.
	plain, err := crypto.Canonical(secrets)
	if err != nil {
		return domain.CrossSigningState{}, err
	}
	defer memzero.Zero(plain)
	sealed, err := crypto.SealSecret(passphrase, sealPurpose, plain)
	if err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("seal cross-signing keys: %w", err)
	}
	if err := s.keys.SetAccountData(ctx, AccountDataSealedKeys, sealed); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("store sealed keys: %w", err)
	}

	if err := s.upload(ctx, reauth, public); err != nil {
		return domain.CrossSigningState{}, err
	}
	s.log.Info().Stringer("master_fingerprint", crypto.DeviceFingerprint(masterPub)).Msg("cross-signing keys uploaded")
	return s.finish(ctx, public, sealed, secrets.SelfSigning)
}

// upload publishes the keys with a fresh credential, answering one
// user-interactive auth challenge.
func (s *Service) upload(ctx context.Context, reauth domain.Reauthenticator, public domain.CrossSigningKeys) error {
	if reauth == nil {
		return fmt.Errorf("upload cross-signing keys: %w", domain.ErrAuthFailure)
	}
	auth, err := reauth.Reauthenticate(ctx)
	if err != nil {
		return fmt.Errorf("re-authenticate: %w", err)
	}
	err = s.keys.UploadCrossSigningKeys(ctx, public, &auth)
	var uia *domain.UIAError
	if errors.As(err, &uia) {
		s.log.Debug().Str("uia_session", uia.Session).Strs("flows", uia.Flows).Msg("answering auth challenge")
		auth.Session = uia.Session
		err = s.keys.UploadCrossSigningKeys(ctx, public, &auth)
	}
	if errors.As(err, &uia) {
		return fmt.Errorf("upload cross-signing keys: %w", domain.ErrAuthFailure)
	}
	if err != nil {
		return fmt.Errorf("upload cross-signing keys: %w", err)
	}
	return nil
}

// recover opens the sealed private keys published by another device.
func (s *Service) recover(ctx context.Context, master, selfSigning domain.CrossSigningKey, passphrase string) (domain.CrossSigningState, error) {
	raw, err := s.keys.GetAccountData(ctx, AccountDataSealedKeys)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.CrossSigningState{}, fmt.Errorf("account has cross-signing keys but no sealed copy: %w", domain.ErrCrossSigningUnavailable)
	}
	if err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("fetch sealed keys: %w", err)
	}
	var sealed domain.SealedSecret
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("decode sealed keys: %w", domain.ErrMalformed)
	}
	plain, err := crypto.OpenSecret(passphrase, sealPurpose, sealed)
	if err != nil {
		return domain.CrossSigningState{}, err
	}
	defer memzero.Zero(plain)

	var secrets domain.CrossSigningSecrets
	if err := crypto.DecodeCanonical(plain, &secrets); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("decode cross-signing keys: %w", domain.ErrMalformed)
	}
	defer memzero.Zero(secrets.Master[:])
	defer memzero.Zero(secrets.UserSigning[:])
	if secrets.Master.Public() != master.Key || secrets.SelfSigning.Public() != selfSigning.Key {
		return domain.CrossSigningState{}, ErrKeysMismatch
	}

	public := domain.CrossSigningKeys{
		Master:      master,
		SelfSigning: selfSigning,
		UserSigning: domain.CrossSigningKey{UserID: s.ref.UserID, Usage: domain.UsageUserSigning, Key: secrets.UserSigning.Public()},
	}
	s.log.Info().Stringer("master_fingerprint", crypto.DeviceFingerprint(master.Key)).Msg("recovered cross-signing keys")
	return s.finish(ctx, public, sealed, secrets.SelfSigning)
}

// finish signs this device with the self-signing key and persists the state.
func (s *Service) finish(ctx context.Context, public domain.CrossSigningKeys, sealed domain.SealedSecret, ssk domain.Ed25519Private) (domain.CrossSigningState, error) {
	dk, err := s.device.DeviceKeys(ctx)
	if err != nil {
		return domain.CrossSigningState{}, err
	}
	sig, err := crypto.SignCanonical(ssk, dk.Unsigned())
	if err != nil {
		return domain.CrossSigningState{}, err
	}
	dk.Signatures = []domain.Signature{{SignerUser: s.ref.UserID, SignerKey: ssk.Public(), Sig: sig}}
	if err := s.keys.UploadSignatures(ctx, []domain.DeviceKeys{dk}); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("upload device signature: %w", err)
	}

	state := domain.CrossSigningState{
		Public:          public,
		Sealed:          sealed,
		SelfSigning:     ssk,
		BootstrappedUTC: s.now().UTC().Unix(),
	}
	if err := s.store.SaveCrossSigning(state); err != nil {
		return domain.CrossSigningState{}, fmt.Errorf("save cross-signing state: %w", err)
	}
	return state, nil
}

func signKey(k domain.CrossSigningKey, priv domain.Ed25519Private, pub domain.Ed25519Public) (domain.CrossSigningKey, error) {
	sig, err := crypto.SignCanonical(priv, k.Unsigned())
	if err != nil {
		return k, err
	}
	k.Signatures = append(k.Signatures, domain.Signature{SignerUser: k.UserID, SignerKey: pub, Sig: sig})
	return k, nil
}

// Compile-time assertion that Service implements domain.CrossSigningStatus.
var _ domain.CrossSigningStatus = (*Service)(nil)
