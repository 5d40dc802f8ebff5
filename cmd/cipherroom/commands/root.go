package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cipherroom/internal/app"
	"cipherroom/internal/logging"
)

// passphraseEnv names the environment variable read when --passphrase is unset.
const passphraseEnv = "CIPHERROOM_PASSPHRASE"

// cli is the state shared by the commands of one invocation.
type cli struct {
	home       string
	configPath string
	passphrase string
	homeserver string
	logLevel   string

	cfg   app.Config
	log   zerolog.Logger
	stdin *bufio.Reader

	// streamStart is handed to the app when it is opened.
	streamStart int64
	app         *app.App
}

// Execute runs the CLI.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdin: bufio.NewReader(os.Stdin)}
	err := newRoot(c).ExecuteContext(ctx)
	if c.app != nil {
		if cerr := c.app.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newRoot(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "cipherroom",
		Short:        "End-to-end encrypted Matrix chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}

	root.PersistentFlags().StringVar(&c.home, "home", "", "state directory (default ~/.cipherroom)")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVarP(&c.passphrase, "passphrase", "p", "", "passphrase protecting local keys (or $"+passphraseEnv+")")
	root.PersistentFlags().StringVar(&c.homeserver, "homeserver", "", "homeserver base URL, overrides the config")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level, overrides the config")

	root.AddCommand(
		loginCmd(c),
		bootstrapCmd(c),
		fingerprintCmd(c),
		devicesCmd(c),
		verifyCmd(c, "verify"),
		verifyCmd(c, "unverify"),
		verifyCmd(c, "blacklist"),
		encryptRoomCmd(c),
		policyCmd(c),
		sendCmd(c),
		listenCmd(c),
		roomsCmd(c),
		joinCmd(c),
		leaveCmd(c),
		inviteCmd(c),
		createRoomCmd(c),
		exportKeysCmd(c),
		importKeysCmd(c),
	)
	return root
}

// setup resolves the home directory, loads the config and builds the logger.
func (c *cli) setup() error {
	if c.home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.home = filepath.Join(dir, ".cipherroom")
	}
	if err := os.MkdirAll(c.home, 0o700); err != nil {
		return err
	}
	if c.configPath == "" {
		c.configPath = filepath.Join(c.home, app.ConfigFilename)
	}

	cfg, err := app.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.homeserver != "" {
		cfg.Homeserver = c.homeserver
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.PostProcess(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	c.cfg, c.log = cfg, log
	return nil
}

// openApp unlocks the keystore, prompting for the passphrase if needed.
func (c *cli) openApp() (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	pass := c.passphrase
	if pass == "" {
		pass = os.Getenv(passphraseEnv)
	}
	if pass == "" {
		var err error
		if pass, err = c.readSecret("Local passphrase: "); err != nil {
			return nil, err
		}
	}
	a, err := app.Open(c.home, pass, c.cfg, c.log, app.Options{StreamStart: c.streamStart})
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

// client returns the logged-in client.
func (c *cli) client(ctx context.Context) (*app.Client, error) {
	a, err := c.openApp()
	if err != nil {
		return nil, err
	}
	cl, err := a.Client(ctx)
	if errors.Is(err, app.ErrNotLoggedIn) {
		return nil, fmt.Errorf("%w: run `cipherroom login` first", err)
	}
	return cl, err
}
