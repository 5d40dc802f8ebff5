package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/app"
	"cipherroom/internal/domain"
	"cipherroom/internal/homeserver/homeservertest"
	"cipherroom/internal/store"
)

func dialer(srv *homeservertest.Server) app.Dialer {
	return func(_ string, creds domain.Credentials) (domain.Homeserver, error) {
		if creds.AccessToken == "" {
			return srv.Anonymous(), nil
		}
		return srv.Client(creds.UserID, creds.DeviceID), nil
	}
}

func openApp(t *testing.T, srv *homeservertest.Server, home, passphrase string) (*app.App, error) {
	t.Helper()
	cfg := app.DefaultConfig()
	cfg.Homeserver = "https://" + srv.Name
	cfg.Sync.Timeout = time.Second
	return app.Open(home, passphrase, cfg, zerolog.Nop(), app.Options{
		Dial:        dialer(srv),
		Scrypt:      store.ScryptParams{N: 1 << 10, R: 8, P: 1},
		StreamStart: 1,
	})
}

func TestLogin_PersistsAccount_OK(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	user := srv.Register("alice", "pw")
	home := t.TempDir()
	ctx := context.Background()

	a, err := openApp(t, srv, home, "local secret")
	require.NoError(t, err)
	_, err = a.Account()
	require.ErrorIs(t, err, app.ErrNotLoggedIn)
	_, err = a.Client(ctx)
	require.ErrorIs(t, err, app.ErrNotLoggedIn)

	_, err = a.Login(ctx, "", "alice", "wrong", "")
	require.ErrorIs(t, err, domain.ErrAuthFailure)

	c, err := a.Login(ctx, "", "alice", "pw", "LAPTOP")
	require.NoError(t, err)
	require.Equal(t, user, c.Account.UserID)
	require.Equal(t, id.DeviceID("LAPTOP"), c.Account.DeviceID)
	require.True(t, c.Account.KeysUploaded)
	fp, err := c.Identity.Fingerprint(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = openApp(t, srv, home, "other secret")
	require.ErrorIs(t, err, domain.ErrWrongPassphrase)

	a, err = openApp(t, srv, home, "local secret")
	require.NoError(t, err)
	defer a.Close()
	c, err = a.Client(ctx)
	require.NoError(t, err)
	require.Equal(t, id.DeviceID("LAPTOP"), c.Account.DeviceID)
	again, err := c.Identity.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, fp, again, "identity must survive a restart")

	observer := srv.Client(srv.Register("eve", "pw"), "EVE")
	resp, err := observer.QueryKeys(ctx, []id.UserID{user})
	require.NoError(t, err)
	if _, ok := resp.DeviceKeys[user]["LAPTOP"]; !ok {
		t.Fatalf("device keys of LAPTOP were not published")
	}
}

func TestClients_OneProcess_Isolated(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.Register("alice", "pw")
	bobID := srv.Register("bob", "pw")
	ctx := context.Background()

	login := func(name string) *app.Client {
		a, err := openApp(t, srv, t.TempDir(), name+" secret")
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		c, err := a.Login(ctx, "", name, "pw", "")
		require.NoError(t, err)
		return c
	}
	alice := login("alice")
	bob := login("bob")

	roomID, err := alice.Messages.CreateRoom(ctx, "chat", []id.UserID{bobID})
	require.NoError(t, err)
	_, err = bob.Messages.JoinRoom(ctx, string(roomID))
	require.NoError(t, err)

	sub := bob.Router.Subscribe(roomID, []domain.OutcomeKind{domain.OutcomePlaintext}, 16)
	defer sub.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bob.Messages.Run(runCtx) }()

	_, err = alice.Messages.EncryptAndSend(ctx, roomID, "hi from another client")
	require.NoError(t, err)

	select {
	case got := <-sub.C:
		require.Equal(t, "hi from another client", got.Body)
		require.Equal(t, alice.Account.UserID, got.Sender)
	case <-time.After(5 * time.Second):
		t.Fatalf("bob received nothing")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

type reauth struct{ user id.UserID }

func (r reauth) Reauthenticate(context.Context) (domain.AuthData, error) {
	return domain.AuthData{Type: "m.login.password", User: string(r.user), Password: "pw"}, nil
}

func TestClient_Bootstrap_OK(t *testing.T) {
	srv := homeservertest.NewServer("example.org")
	srv.RequireUIA = true
	user := srv.Register("alice", "pw")
	ctx := context.Background()

	a, err := openApp(t, srv, t.TempDir(), "secret")
	require.NoError(t, err)
	defer a.Close()
	c, err := a.Login(ctx, "", "alice", "pw", "")
	require.NoError(t, err)

	require.False(t, c.CrossSigning.CrossSigningFailed())
	state, err := c.CrossSigning.Bootstrap(ctx, reauth{user: user}, "recovery words")
	require.NoError(t, err)
	require.Equal(t, user, state.Public.Master.UserID)
}
