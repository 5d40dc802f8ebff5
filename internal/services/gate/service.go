package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// Config holds the account-wide defaults.
type Config struct {
	// Defaults apply to rooms without an override. The zero value is the
	// permissive choice: unverified and unknown devices receive keys.
	Defaults domain.MessagePolicy
	// Rotation applies to rooms whose state does not set its own periods.
	Rotation domain.RotationSettings
	Now      func() time.Time
}

// Service is the encryption gate.
type Service struct {
	rooms domain.RoomStore
	api   domain.RoomAPI
	now   func() time.Time
	log   zerolog.Logger
	group singleflight.Group

	mu       sync.RWMutex
	defaults domain.MessagePolicy
	rotation domain.RotationSettings
}

// New returns an encryption gate.
func New(rooms domain.RoomStore, api domain.RoomAPI, cfg Config, log zerolog.Logger) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		rooms:    rooms,
		api:      api,
		now:      now,
		log:      log.With().Str("component", "gate").Logger(),
		defaults: cfg.Defaults,
		rotation: cfg.Rotation,
	}
}

// EnsureRoomEncrypted returns the room's encryption policy, enabling
// encryption on the homeserver if the room does not declare it yet.
//
// A room already known to be encrypted causes no request. Concurrent calls
// for one room share a single round trip.
func (s *Service) EnsureRoomEncrypted(ctx context.Context, roomID id.RoomID) (domain.RoomEncryptionPolicy, error) {
	if p, ok, err := s.rooms.LoadPolicy(roomID); err != nil {
		return domain.RoomEncryptionPolicy{}, err
	} else if ok && p.Enabled() {
		return p, nil
	}

	v, err, _ := s.group.Do(string(roomID), func() (any, error) {
		if p, ok, err := s.rooms.LoadPolicy(roomID); err != nil || (ok && p.Enabled()) {
			return p, err
		}
		raw, err := s.api.GetRoomState(ctx, roomID, event.StateEncryption.Type, "")
		switch {
		case err == nil:
			p, _, err := s.ObserveEncryptionState(roomID, raw, s.now().UnixMilli())
			if err != nil {
				return domain.RoomEncryptionPolicy{}, err
			}
			if p.Enabled() {
				return p, nil
			}
		case !errors.Is(err, domain.ErrNotFound):
			return domain.RoomEncryptionPolicy{}, fmt.Errorf("read encryption state of %s: %w", roomID, err)
		}
		return s.enable(ctx, roomID)
	})
	if err != nil {
		return domain.RoomEncryptionPolicy{}, err
	}
	return v.(domain.RoomEncryptionPolicy), nil
}

func (s *Service) enable(ctx context.Context, roomID id.RoomID) (domain.RoomEncryptionPolicy, error) {
	rot := s.defaultRotation()
	content := event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   rot.MaxAge.Milliseconds(),
		RotationPeriodMessages: int(rot.MaxMessages),
	}
	if _, err := s.api.SetRoomState(ctx, roomID, event.StateEncryption.Type, "", content); err != nil {
		return domain.RoomEncryptionPolicy{}, fmt.Errorf("enable encryption in %s: %w", roomID, err)
	}
	p, _, err := s.adopt(roomID, content, s.now().UnixMilli())
	if err != nil {
		return domain.RoomEncryptionPolicy{}, err
	}
	s.log.Info().Str("room_id", string(roomID)).Msg("enabled room encryption")
	return p, nil
}

// ObserveEncryptionState records an m.room.encryption state content seen in
// the room. It only ever turns encryption on; a later event cannot change or
// remove an enabled policy.
func (s *Service) ObserveEncryptionState(roomID id.RoomID, raw json.RawMessage, ts int64) (domain.RoomEncryptionPolicy, bool, error) {
	var content event.EncryptionEventContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return domain.RoomEncryptionPolicy{}, false, fmt.Errorf("encryption state of %s: %w", roomID, domain.ErrMalformed)
	}
	return s.adopt(roomID, content, ts)
}

// maxRotationMillis is the longest rotation period a time.Duration holds.
const maxRotationMillis = math.MaxInt64 / int64(time.Millisecond)

func (s *Service) adopt(roomID id.RoomID, content event.EncryptionEventContent, ts int64) (domain.RoomEncryptionPolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.rooms.LoadPolicy(roomID)
	if err != nil {
		return domain.RoomEncryptionPolicy{}, false, err
	}
	if !ok {
		p = domain.RoomEncryptionPolicy{RoomID: roomID}
	}
	if p.Enabled() {
		if content.Algorithm != p.Algorithm {
			s.log.Warn().
				Str("room_id", string(roomID)).
				Str("algorithm", string(content.Algorithm)).
				Msg("ignoring change of encryption state")
		}
		return p, false, nil
	}
	if content.Algorithm == "" {
		return p, false, nil
	}

	p.Algorithm = content.Algorithm
	p.EnabledSinceUTC = ts / 1000
	if content.RotationPeriodMessages > 0 && uint64(content.RotationPeriodMessages) <= math.MaxUint32 {
		p.RotationPeriodMessages = uint32(content.RotationPeriodMessages)
	}
	if ms := content.RotationPeriodMillis; ms > 0 {
		p.RotationPeriod = time.Duration(min(ms, maxRotationMillis)) * time.Millisecond
	}
	if err := s.rooms.SavePolicy(p); err != nil {
		return domain.RoomEncryptionPolicy{}, false, err
	}
	s.log.Info().Str("room_id", string(roomID)).Str("algorithm", string(p.Algorithm)).Msg("room is encrypted")
	return p, true, nil
}

// Policy returns the stored policy of roomID.
func (s *Service) Policy(roomID id.RoomID) (domain.RoomEncryptionPolicy, bool, error) {
	return s.rooms.LoadPolicy(roomID)
}

// IsEncrypted reports whether roomID has an enabled policy.
func (s *Service) IsEncrypted(roomID id.RoomID) bool {
	p, ok, err := s.rooms.LoadPolicy(roomID)
	return err == nil && ok && p.Enabled()
}

// DecidePerMessagePolicy returns the flags governing the next send to roomID.
func (s *Service) DecidePerMessagePolicy(roomID id.RoomID) domain.MessagePolicy {
	s.mu.RLock()
	out := s.defaults
	s.mu.RUnlock()

	p, ok, err := s.rooms.LoadPolicy(roomID)
	if err != nil || !ok {
		return out
	}
	if p.BlockOnUnverified != nil {
		out.BlockOnUnverified = *p.BlockOnUnverified
	}
	if p.ErrorOnUnknownDevices != nil {
		out.ErrorOnUnknownDevices = *p.ErrorOnUnknownDevices
	}
	return out
}

// Defaults returns the account-wide message policy.
func (s *Service) Defaults() domain.MessagePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetBlockOnUnverified sets whether unverified devices block sends, for
// roomID or, when roomID is empty, as the account default.
func (s *Service) SetBlockOnUnverified(roomID id.RoomID, block bool) error {
	return s.setFlag(roomID, "block_on_unverified", block, func(p *domain.MessagePolicy) { p.BlockOnUnverified = block },
		func(rp *domain.RoomEncryptionPolicy) { rp.BlockOnUnverified = &block })
}

// SetErrorOnUnknownDevices sets whether devices first seen during a send
// fail it, for roomID or, when roomID is empty, as the account default.
func (s *Service) SetErrorOnUnknownDevices(roomID id.RoomID, fail bool) error {
	return s.setFlag(roomID, "error_on_unknown_devices", fail, func(p *domain.MessagePolicy) { p.ErrorOnUnknownDevices = fail },
		func(rp *domain.RoomEncryptionPolicy) { rp.ErrorOnUnknownDevices = &fail })
}

func (s *Service) setFlag(roomID id.RoomID, name string, value bool, account func(*domain.MessagePolicy), room func(*domain.RoomEncryptionPolicy)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID == "" {
		account(&s.defaults)
		s.log.Info().Bool(name, value).Msg("changed account message policy")
		return nil
	}
	p, ok, err := s.rooms.LoadPolicy(roomID)
	if err != nil {
		return err
	}
	if !ok {
		p = domain.RoomEncryptionPolicy{RoomID: roomID}
	}
	room(&p)
	if err := s.rooms.SavePolicy(p); err != nil {
		return err
	}
	s.log.Info().Str("room_id", string(roomID)).Bool(name, value).Msg("changed room message policy")
	return nil
}

func (s *Service) defaultRotation() domain.RotationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotation
}

// Rotation returns the session rotation thresholds of roomID.
func (s *Service) Rotation(roomID id.RoomID) domain.RotationSettings {
	out := s.defaultRotation()
	p, ok, err := s.rooms.LoadPolicy(roomID)
	if err != nil || !ok {
		return out
	}
	if p.RotationPeriodMessages > 0 {
		out.MaxMessages = p.RotationPeriodMessages
	}
	if p.RotationPeriod > 0 {
		out.MaxAge = p.RotationPeriod
	}
	return out
}
