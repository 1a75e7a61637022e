// Command helmwatch monitors a set of validators on a session/era based
// proof-of-stake chain and runs user hooks on session and era transitions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/chain/wsclient"
	"github.com/helmwatch/helmwatch/internal/hook"
	"github.com/helmwatch/helmwatch/internal/monitor"
	"github.com/helmwatch/helmwatch/internal/relay"
	"github.com/helmwatch/helmwatch/internal/store"
	"github.com/helmwatch/helmwatch/internal/telemetry"
)

// chainPreset bundles the per-network defaults selected by the positional
// CHAIN argument. An explicit --substrate-ws-url always wins.
type chainPreset struct {
	url            string
	ss58Prefix     uint8
	sessionsPerEra uint32
	erasPerDay     float64
}

var chainPresets = map[string]chainPreset{
	"westend":  {url: "wss://westend-rpc.polkadot.io", ss58Prefix: 42, sessionsPerEra: 6, erasPerDay: 4},
	"kusama":   {url: "wss://kusama-rpc.polkadot.io", ss58Prefix: 2, sessionsPerEra: 6, erasPerDay: 4},
	"polkadot": {url: "wss://rpc.polkadot.io", ss58Prefix: 0, sessionsPerEra: 6, erasPerDay: 1},
}

const defaultWsURL = "ws://127.0.0.1:9944"

// config is the validated runtime configuration assembled from flags,
// environment and the dotenv file.
type config struct {
	WsURL   string   `validate:"required,uri"`
	Stashes []string `validate:"required,min=1"`

	SS58Prefix     uint8
	SessionsPerEra uint32
	ErasPerDay     float64

	Hooks       monitor.Hooks
	Flags       hook.Flags
	HookTimeout time.Duration `validate:"min=0"`

	Short         bool
	ErrorInterval time.Duration `validate:"min=0"`
	Retries       uint64

	Matrix        relay.MatrixConfig
	DisableMatrix bool

	TelemetryAddr string
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "helmwatch:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "helmwatch",
		Usage:     "watch validators and run hooks on session and era transitions",
		ArgsUsage: "[westend|kusama|polkadot]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-path",
				Usage:   "dotenv file merged under real environment variables",
				Value:   ".env",
				EnvVars: []string{"HELMWATCH_CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:    "substrate-ws-url",
				Usage:   "node websocket endpoint; overrides the chain preset",
				EnvVars: []string{"HELMWATCH_SUBSTRATE_WS_URL"},
			},
			&cli.StringSliceFlag{
				Name:    "stashes",
				Usage:   "stash addresses to track",
				EnvVars: []string{"HELMWATCH_STASHES"},
			},
			&cli.StringFlag{
				Name:    "new-session-hook",
				Usage:   "script run for every stash on each new session",
				EnvVars: []string{"HELMWATCH_NEW_SESSION_HOOK"},
			},
			&cli.StringFlag{
				Name:    "active-next-era-hook",
				Usage:   "script run on an era's last session for inactive stashes with keys queued",
				EnvVars: []string{"HELMWATCH_ACTIVE_NEXT_ERA_HOOK"},
			},
			&cli.StringFlag{
				Name:    "inactive-next-era-hook",
				Usage:   "script run on an era's last session for active stashes without queued keys",
				EnvVars: []string{"HELMWATCH_INACTIVE_NEXT_ERA_HOOK"},
			},
			&cli.DurationFlag{
				Name:    "hook-timeout",
				Usage:   "kill a hook run after this long",
				Value:   2 * time.Minute,
				EnvVars: []string{"HELMWATCH_HOOK_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "expose-network",
				Usage:   "populate network name, token symbol and decimals hook fields",
				Value:   true,
				EnvVars: []string{"HELMWATCH_EXPOSE_NETWORK"},
			},
			&cli.BoolFlag{
				Name:    "expose-nominators",
				Usage:   "populate APR, stake and active-nominator hook fields",
				Value:   true,
				EnvVars: []string{"HELMWATCH_EXPOSE_NOMINATORS"},
			},
			&cli.BoolFlag{
				Name:    "expose-authored-blocks",
				Usage:   "populate the authored-blocks hook field",
				Value:   true,
				EnvVars: []string{"HELMWATCH_EXPOSE_AUTHORED_BLOCKS"},
			},
			&cli.BoolFlag{
				Name:    "expose-all-nominators",
				Usage:   "populate the full nominator list (full chain scan each era)",
				EnvVars: []string{"HELMWATCH_EXPOSE_ALL_NOMINATORS"},
			},
			&cli.BoolFlag{
				Name:    "expose-para-validator",
				Usage:   "populate the para-validator duty hook fields",
				Value:   true,
				EnvVars: []string{"HELMWATCH_EXPOSE_PARA_VALIDATOR"},
			},
			&cli.BoolFlag{
				Name:    "expose-era-points",
				Usage:   "populate the era-points hook fields",
				Value:   true,
				EnvVars: []string{"HELMWATCH_EXPOSE_ERA_POINTS"},
			},
			&cli.BoolFlag{
				Name:    "short",
				Usage:   "relay only essential hook output lines",
				EnvVars: []string{"HELMWATCH_SHORT"},
			},
			&cli.DurationFlag{
				Name:    "error-interval",
				Usage:   "initial pause between reconnect attempts",
				Value:   5 * time.Second,
				EnvVars: []string{"HELMWATCH_ERROR_INTERVAL"},
			},
			&cli.Uint64Flag{
				Name:    "reconnect-retries",
				Usage:   "reconnect attempts per outage before giving up",
				Value:   5,
				EnvVars: []string{"HELMWATCH_RECONNECT_RETRIES"},
			},
			&cli.StringFlag{
				Name:    "matrix-homeserver",
				Usage:   "Matrix client-server API base URL",
				EnvVars: []string{"HELMWATCH_MATRIX_HOMESERVER"},
			},
			&cli.StringFlag{
				Name:    "matrix-user",
				Usage:   "Matrix account invited into every per-stash room",
				EnvVars: []string{"HELMWATCH_MATRIX_USER"},
			},
			&cli.StringFlag{
				Name:    "matrix-bot-user",
				Usage:   "Matrix account the relay bot signs in with",
				EnvVars: []string{"HELMWATCH_MATRIX_BOT_USER"},
			},
			&cli.StringFlag{
				Name:    "matrix-bot-password",
				EnvVars: []string{"HELMWATCH_MATRIX_BOT_PASSWORD"},
			},
			&cli.BoolFlag{
				Name:    "disable-matrix",
				Usage:   "log relayed lines instead of sending them",
				EnvVars: []string{"HELMWATCH_DISABLE_MATRIX"},
			},
			&cli.StringFlag{
				Name:    "telemetry-addr",
				Usage:   "listen address for the metrics endpoint; empty disables it",
				EnvVars: []string{"HELMWATCH_TELEMETRY_ADDR"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "debug log level",
				EnvVars: []string{"HELMWATCH_DEBUG"},
			},
		},
		Before: loadDotenv,
		Action: run,
	}
}

// loadDotenv merges the dotenv file into the environment before flag
// resolution reads EnvVars. Real environment variables win. A missing
// default file is fine; a missing explicit one is an error.
func loadDotenv(c *cli.Context) error {
	path := c.String("config-path")
	err := godotenv.Load(path)
	if err == nil || (os.IsNotExist(err) && !c.IsSet("config-path")) {
		return nil
	}
	return fmt.Errorf("load config %s: %w", path, err)
}

func run(c *cli.Context) error {
	logger := newLogger(c.Bool("debug"))

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := wsclient.Dial(ctx, logger, wsclient.Config{
		URL:            cfg.WsURL,
		SS58Prefix:     cfg.SS58Prefix,
		SessionsPerEra: cfg.SessionsPerEra,
		ErasPerDay:     cfg.ErasPerDay,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.WsURL, err)
	}
	defer client.Close()

	var opts []store.Option
	if cfg.Flags.AllNominators {
		opts = append(opts, store.WithAllNominators())
	}
	st := store.New(logger, client, opts...)
	for _, stash := range cfg.Stashes {
		if err := st.Track(chain.Stash(stash)); err != nil {
			return err
		}
	}

	r, err := newRelay(ctx, logger, cfg)
	if err != nil {
		return err
	}

	if cfg.TelemetryAddr != "" {
		shutdown := serveTelemetry(logger, cfg.TelemetryAddr)
		defer shutdown()
	}

	dispatcher := hook.NewDispatcher(logger, r, hook.Config{
		Timeout: cfg.HookTimeout,
		Short:   cfg.Short,
	})
	m := monitor.New(logger, client, st, dispatcher, monitor.Config{
		Hooks:             cfg.Hooks,
		Flags:             cfg.Flags,
		ReconnectInterval: cfg.ErrorInterval,
		ReconnectRetries:  cfg.Retries,
	})
	return m.Run(ctx)
}

// buildConfig resolves the chain preset, flags and environment into a
// validated configuration.
func buildConfig(c *cli.Context) (config, error) {
	cfg := config{
		WsURL:   defaultWsURL,
		Stashes: c.StringSlice("stashes"),
		Hooks: monitor.Hooks{
			NewSession:      c.String("new-session-hook"),
			ActiveNextEra:   c.String("active-next-era-hook"),
			InactiveNextEra: c.String("inactive-next-era-hook"),
		},
		Flags: hook.Flags{
			Network:        c.Bool("expose-network"),
			Nominators:     c.Bool("expose-nominators"),
			AuthoredBlocks: c.Bool("expose-authored-blocks"),
			AllNominators:  c.Bool("expose-all-nominators"),
			ParaValidator:  c.Bool("expose-para-validator"),
			EraPoints:      c.Bool("expose-era-points"),
		},
		HookTimeout:   c.Duration("hook-timeout"),
		Short:         c.Bool("short"),
		ErrorInterval: c.Duration("error-interval"),
		Retries:       c.Uint64("reconnect-retries"),
		Matrix: relay.MatrixConfig{
			Homeserver:  c.String("matrix-homeserver"),
			User:        c.String("matrix-user"),
			BotUser:     c.String("matrix-bot-user"),
			BotPassword: c.String("matrix-bot-password"),
		},
		DisableMatrix: c.Bool("disable-matrix"),
		TelemetryAddr: c.String("telemetry-addr"),
	}

	if name := c.Args().First(); name != "" {
		preset, ok := chainPresets[name]
		if !ok {
			return config{}, fmt.Errorf("unknown chain %q", name)
		}
		cfg.WsURL = preset.url
		cfg.SS58Prefix = preset.ss58Prefix
		cfg.SessionsPerEra = preset.sessionsPerEra
		cfg.ErasPerDay = preset.erasPerDay
	}
	if url := c.String("substrate-ws-url"); url != "" {
		cfg.WsURL = url
	}

	if err := validator.New().Struct(cfg); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			return config{}, fmt.Errorf("invalid configuration: %s", invalid[0])
		}
		return config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	// Fail on bad stash addresses before connecting anywhere.
	for _, stash := range cfg.Stashes {
		if _, _, err := chain.DecodeSS58(chain.Stash(stash)); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// newRelay picks the notification relay: Matrix when configured and not
// disabled, otherwise a no-op.
func newRelay(ctx context.Context, logger zerolog.Logger, cfg config) (relay.Relay, error) {
	if cfg.DisableMatrix || cfg.Matrix.Homeserver == "" {
		logger.Info().Msg("Matrix relay disabled")
		return relay.Noop{}, nil
	}
	m := relay.NewMatrix(logger, cfg.Matrix)
	if err := m.Login(ctx); err != nil {
		return nil, fmt.Errorf("matrix login: %w", err)
	}
	return m, nil
}

// serveTelemetry exposes the metrics endpoint and returns a shutdown
// function.
func serveTelemetry(logger zerolog.Logger, addr string) func() {
	telemetry.InitializePrometheus()

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.HTTPHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Telemetry listener failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Telemetry listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
