package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/justjake/pgprobe/pkg/config"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/store"
)

// flagKeys maps command-line flags to config keys. A flag only overrides the
// file and environment when it is set explicitly.
var flagKeys = map[string]string{
	"dsn":     "store.dsn",
	"collect": "collect_before_each",
	"listen":  "server.listen",
}

// app is the state shared by every command.
type app struct {
	cfgFile  string
	envFile  string
	jsonLogs bool
	verbose  bool

	logger *slog.Logger
	cfg    *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "pgprobe",
		Short:         "Measure latency, CPU, memory and data store performance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if term.IsTerminal(int(os.Stderr.Fd())) {
				printBanner()
			}
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "path to a YAML or JSON config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("dsn", "", "data store DSN: a PostgreSQL URL or sqlite:<path> (env PGPROBE_STORE_DSN)")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "output logs in JSON format")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.listCmd(),
		a.setupCmd(),
		a.teardownCmd(),
		a.runCmd(),
		a.serveCmd(),
		a.benchCmd(),
		a.configCmd(),
		docsCmd(),
	)
	return root
}

// init sets up logging and loads the configuration.
func (a *app) init(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if a.jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("failed to load env file", "path", a.envFile, "error", err)
		}
	}

	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(cmd, v); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(cmd.Context(), nil); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// openStore resolves the store password and connects. The caller closes the
// store.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	secrets, err := config.NewSecretCacheFor(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	password, err := a.cfg.StorePassword(ctx, secrets)
	if err != nil {
		return nil, err
	}
	if p := a.cfg.Store.Password; p != nil {
		a.logger.Debug("store password resolved", "source", p.Source())
	}

	s, err := store.Open(ctx, a.cfg.Store.DSN, store.Options{
		Password:         password,
		MaxConns:         a.cfg.Store.MaxConns,
		StatementTimeout: a.cfg.Store.StatementTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("store opened", "backend", s.Backend())
	return s, nil
}

// harness builds a harness over s. s may be nil.
func (a *app) harness(s store.Store, opts ...probe.Option) *probe.Harness {
	return probe.NewHarness(probe.Default(), s, a.cfg, a.logger, opts...)
}
