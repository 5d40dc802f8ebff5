package app

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cipherroom/internal/domain"
	"cipherroom/internal/homeserver"
	"cipherroom/internal/services/bootstrap"
	"cipherroom/internal/services/decrypt"
	"cipherroom/internal/services/gate"
	"cipherroom/internal/services/groupsession"
	"cipherroom/internal/services/identity"
	"cipherroom/internal/services/keyexport"
	"cipherroom/internal/services/message"
	"cipherroom/internal/services/router"
	"cipherroom/internal/store"
)

// Dialer connects to a homeserver. An empty creds yields an unauthenticated
// connection good for logging in.
type Dialer func(homeserverURL string, creds domain.Credentials) (domain.Homeserver, error)

// HTTPDialer returns a Dialer speaking the client-server API over httpClient.
func HTTPDialer(cfg NetworkConfig, httpClient *http.Client, log zerolog.Logger) Dialer {
	return func(homeserverURL string, creds domain.Credentials) (domain.Homeserver, error) {
		return homeserver.New(homeserver.Config{
			HomeserverURL:  homeserverURL,
			AccessToken:    creds.AccessToken,
			UserID:         creds.UserID,
			HTTPClient:     httpClient,
			ReadRetries:    cfg.ReadRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
		}, log)
	}
}

// Client bundles the stores and services of one logged-in device.
type Client struct {
	Account      domain.AccountProfile
	API          domain.Homeserver
	Identity     *identity.Service
	CrossSigning *bootstrap.Service
	Gate         *gate.Service
	Sessions     *groupsession.Manager
	Router       *router.Router
	Pipeline     *decrypt.Pipeline
	Messages     *message.Service
	Keys         *keyexport.Service
}

type wireDeps struct {
	home    string
	ks      *store.Keystore
	cfg     Config
	log     zerolog.Logger
	start   int64
	workFac int
	now     func() time.Time
}

// newClient constructs the dependency graph of the device in profile.
func newClient(profile domain.AccountProfile, api domain.Homeserver, d wireDeps) *Client {
	ref := profile.Ref()
	dir := store.AccountDir(d.home, ref.UserID, ref.DeviceID)
	log := d.log.With().Str("user_id", string(ref.UserID)).Str("device_id", string(ref.DeviceID)).Logger()

	// File-based stores
	crossSigningStore := store.NewCrossSigningFileStore(dir, d.ks)
	sessionStore := store.NewGroupSessionFileStore(dir, d.ks)
	roomStore := store.NewRoomFileStore(dir)

	ident := identity.New(ref, store.NewIdentityFileStore(dir, d.ks), store.NewDeviceFileStore(dir, d.ks), log, identity.Options{
		Keys:         api,
		CrossSigning: crossSigningStore,
		Now:          d.now,
	})
	boot := bootstrap.New(ref, ident, api, crossSigningStore, log, bootstrap.Options{Now: d.now})
	g := gate.New(roomStore, api, gate.Config{
		Defaults: d.cfg.MessagePolicy(),
		Rotation: d.cfg.Rotation(),
		Now:      d.now,
	}, log)
	mgr := groupsession.New(sessionStore, ident, api, g, log, groupsession.Options{CrossSigning: boot, Now: d.now})

	// Incoming path: router filters and fans out, the pipeline decrypts.
	r := router.New(router.Config{StartTS: d.start, Now: d.now}, log)
	pipe := decrypt.New(mgr, ident, r, decrypt.Config{
		Retries:        d.cfg.Decryption.UnknownSessionRetries,
		RetryBaseDelay: d.cfg.Decryption.RetryBaseDelay,
		QueueSize:      d.cfg.Decryption.QueueSize,
	}, log)

	msgs := message.New(message.Deps{
		API:      api,
		Identity: ident,
		Sessions: mgr,
		Gate:     g,
		Pipeline: pipe,
		Router:   r,
		Rooms:    roomStore,
		Sync:     store.NewSyncFileStore(dir),
	}, message.Config{SyncTimeout: d.cfg.Sync.Timeout}, log)

	return &Client{
		Account:      profile,
		API:          api,
		Identity:     ident,
		CrossSigning: boot,
		Gate:         g,
		Sessions:     mgr,
		Router:       r,
		Pipeline:     pipe,
		Messages:     msgs,
		Keys:         keyexport.New(sessionStore, mgr, log, keyexport.Options{WorkFactor: d.workFac}),
	}
}

// Close stops the decryption workers.
func (c *Client) Close() error {
	return c.Pipeline.Close()
}
