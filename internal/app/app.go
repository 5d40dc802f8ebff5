package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
	"cipherroom/internal/store"
)

// ErrNotLoggedIn is returned when a command needs an account and none is
// stored in the home directory.
var ErrNotLoggedIn = errors.New("not logged in")

// Options are the optional collaborators of an App.
type Options struct {
	// Dial connects to the homeserver. Defaults to HTTPDialer.
	Dial Dialer
	// HTTPClient is used by the default dialer.
	HTTPClient *http.Client
	// Scrypt tunes the keystore KDF when the keystore is created.
	Scrypt store.ScryptParams
	// StreamStart is the unix millisecond time before which incoming events
	// are treated as replay. Zero means the time the client is built.
	StreamStart int64
	// KeyExportWorkFactor overrides the scrypt work factor of key exports.
	KeyExportWorkFactor int
	Now                 func() time.Time
}

// App is the client state rooted at one home directory.
type App struct {
	home     string
	cfg      Config
	log      zerolog.Logger
	opts     Options
	ks       *store.Keystore
	accounts *store.AccountFileStore

	mu     sync.Mutex
	client *Client
}

// Open unlocks the keystore under home with passphrase, creating it on first
// use. A wrong passphrase fails with domain.ErrWrongPassphrase.
func Open(home, passphrase string, cfg Config, log zerolog.Logger, opts Options) (*App, error) {
	if home == "" {
		return nil, errors.New("home directory is required")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if opts.Scrypt == (store.ScryptParams{}) {
		opts.Scrypt = store.DefaultScryptParams
	}
	if opts.Dial == nil {
		opts.Dial = HTTPDialer(cfg.Network, opts.HTTPClient, log)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ks, err := store.OpenKeystore(home, passphrase, opts.Scrypt)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	return &App{
		home:     home,
		cfg:      cfg,
		log:      log,
		opts:     opts,
		ks:       ks,
		accounts: store.NewAccountFileStore(home, ks),
	}, nil
}

// Config returns the configuration the app was opened with.
func (a *App) Config() Config { return a.cfg }

// Account returns the stored account.
func (a *App) Account() (domain.AccountProfile, error) {
	profile, ok, err := a.accounts.LoadAccount()
	if err != nil {
		return domain.AccountProfile{}, err
	}
	if !ok {
		return domain.AccountProfile{}, ErrNotLoggedIn
	}
	return profile, nil
}

// Login authenticates with a password, stores the account and publishes the
// new device's keys. A device id reuses an existing device. An already
// running client is closed first.
func (a *App) Login(ctx context.Context, homeserverURL, username, password string, deviceID id.DeviceID) (*Client, error) {
	if homeserverURL == "" {
		homeserverURL = a.cfg.Homeserver
	}
	if homeserverURL == "" {
		return nil, errors.New("homeserver URL is required")
	}
	anon, err := a.opts.Dial(homeserverURL, domain.Credentials{})
	if err != nil {
		return nil, err
	}
	creds, err := anon.Login(ctx, domain.LoginRequest{
		Homeserver:  homeserverURL,
		Username:    username,
		Password:    password,
		DeviceID:    deviceID,
		DisplayName: "cipherroom",
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing previous client")
		}
		a.client = nil
	}
	profile := domain.AccountProfile{
		Homeserver:  homeserverURL,
		UserID:      creds.UserID,
		DeviceID:    creds.DeviceID,
		AccessToken: creds.AccessToken,
	}
	if err := a.accounts.SaveAccount(profile); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	return a.connectLocked(ctx, profile)
}

// Client returns the client of the stored account, building it on first use.
// Device keys not yet published are uploaded.
func (a *App) Client(ctx context.Context) (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	profile, err := a.Account()
	if err != nil {
		return nil, err
	}
	return a.connectLocked(ctx, profile)
}

func (a *App) connectLocked(ctx context.Context, profile domain.AccountProfile) (*Client, error) {
	api, err := a.opts.Dial(profile.Homeserver, domain.Credentials{
		AccessToken: profile.AccessToken,
		UserID:      profile.UserID,
		DeviceID:    profile.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	c := newClient(profile, api, wireDeps{
		home:    a.home,
		ks:      a.ks,
		cfg:     a.cfg,
		log:     a.log,
		start:   a.opts.StreamStart,
		workFac: a.opts.KeyExportWorkFactor,
		now:     a.opts.Now,
	})
	if !profile.KeysUploaded {
		if err := c.Identity.PublishDeviceKeys(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("publish device keys: %w", err)
		}
		profile.KeysUploaded = true
		if err := a.accounts.SaveAccount(profile); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("save account: %w", err)
		}
		c.Account = profile
	}
	a.client = c
	return c, nil
}

// Close stops the client, if any, and wipes the keystore key from memory.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.client != nil {
		err = a.client.Close()
		a.client = nil
	}
	a.ks.Close()
	return err
}
