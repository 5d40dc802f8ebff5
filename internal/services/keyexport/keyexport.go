// Package keyexport writes and reads passphrase-protected room key files.
//
// A file is an ASCII-armored age payload encrypted to a scrypt recipient;
// the plaintext is the deterministic CBOR encoding of the exported inbound
// group sessions.
package keyexport

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/rs/zerolog"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/util/memzero"
)

const fileVersion = 1

type exportFile struct {
	Version  int                          `json:"v"`
	Sessions []domain.InboundGroupSession `json:"sessions"`
}

// Source lists the sessions to export.
type Source interface {
	ListInbound() ([]domain.InboundGroupSession, error)
}

// Sink stores imported sessions without rewinding existing ones.
type Sink interface {
	ImportInbound(sess domain.InboundGroupSession) (bool, error)
}

// Options tunes the passphrase hardening.
type Options struct {
	// WorkFactor is the scrypt log2(N) used for new exports. Zero keeps the
	// age default.
	WorkFactor int
}

// Service exports and imports room keys.
type Service struct {
	src  Source
	sink Sink
	opts Options
	log  zerolog.Logger
}

// New returns a key export Service.
func New(src Source, sink Sink, log zerolog.Logger, opts Options) *Service {
	return &Service{src: src, sink: sink, opts: opts, log: log.With().Str("component", "keyexport").Logger()}
}

// Export writes every inbound session to w and returns how many were written.
func (s *Service) Export(w io.Writer, passphrase string) (int, error) {
	sessions, err := s.src.ListInbound()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if err := Write(w, sessions, passphrase, s.opts.WorkFactor); err != nil {
		return 0, err
	}
	s.log.Info().Int("sessions", len(sessions)).Msg("exported room keys")
	return len(sessions), nil
}

// Import reads sessions from r and stores those not already known.
func (s *Service) Import(r io.Reader, passphrase string) (imported, skipped int, err error) {
	sessions, err := Read(r, passphrase)
	if err != nil {
		return 0, 0, err
	}
	for _, sess := range sessions {
		ok, err := s.sink.ImportInbound(sess)
		if err != nil {
			return imported, skipped, fmt.Errorf("import session %s: %w", sess.SessionID, err)
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}
	s.log.Info().Int("imported", imported).Int("skipped", skipped).Msg("imported room keys")
	return imported, skipped, nil
}

// Write encrypts sessions under passphrase and writes the armored file to w.
func Write(w io.Writer, sessions []domain.InboundGroupSession, passphrase string, workFactor int) error {
	if passphrase == "" {
		return errors.New("export passphrase must not be empty")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return err
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}

	plain, err := crypto.Canonical(exportFile{Version: fileVersion, Sessions: sessions})
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	defer memzero.Zero(plain)

	aw := armor.NewWriter(w)
	enc, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := enc.Write(plain); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize age encryption: %w", err)
	}
	return aw.Close()
}

// Read decrypts an armored key file. A wrong passphrase yields
// domain.ErrWrongPassphrase.
func Read(r io.Reader, passphrase string) ([]domain.InboundGroupSession, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	dec, err := age.Decrypt(armor.NewReader(r), identity)
	var noMatch *age.NoIdentityMatchError
	if errors.As(err, &noMatch) {
		return nil, domain.ErrWrongPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt key file: %w", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	defer memzero.Zero(plain)

	var f exportFile
	if err := crypto.DecodeCanonical(plain, &f); err != nil {
		return nil, fmt.Errorf("decode key file: %w", domain.ErrMalformed)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("key file version %d: %w", f.Version, domain.ErrMalformed)
	}
	return f.Sessions, nil
}
