package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/puyokura/boardchat/render"
	"github.com/puyokura/boardchat/session"
	"github.com/puyokura/boardchat/transport"
)

var rootCmd = &cobra.Command{
	Use:          "boardchat",
	Short:        "Terminal client for a board chat server",
	SilenceUsage: true,
	RunE:         runClient,
}

var (
	flagServer    string
	flagUsername  string
	flagTransport string
	flagConfig    string
	flagLogFile   string
	flagLogLevel  string
	flagPlain     bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagServer, "server", "", "server address, e.g. localhost:8765 or wss://chat.example.org")
	flags.StringVar(&flagUsername, "username", "", "name to register with")
	flags.StringVar(&flagTransport, "transport", "", "wire variant: websocket, socketio or tcp")
	flags.StringVar(&flagConfig, "config", defaultConfigPath(), "YAML config file")
	flags.StringVar(&flagLogFile, "log-file", "", "write diagnostic logs to this file")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&flagPlain, "plain", false, "use the line-oriented console instead of the TUI")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	cfg = mergeFlags(cfg)

	logger, closeLog, err := setupLogging(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return err
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return errors.Wrapf(err, "timezone %q", cfg.Timezone)
		}
	}
	logger.Info().Str("transport", string(kind)).Msg("[client] starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if cfg.Plain || !tty {
		return runPlain(ctx, cfg, kind, loc, logger)
	}
	return runTUI(cfg, kind, loc, logger)
}

func mergeFlags(cfg Config) Config {
	if flagServer != "" {
		cfg.Server = flagServer
	}
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	cfg.Plain = cfg.Plain || flagPlain
	return cfg
}

// setupLogging logs JSON to path. Without a path nothing is logged, since
// the terminal belongs to the UI.
func setupLogging(path, level string) (zerolog.Logger, func(), error) {
	if path == "" {
		log.Logger = zerolog.Nop()
		return log.Logger, func() {}, nil
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), nil, errors.Wrapf(err, "log level %q", level)
		}
		lvl = l
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrap(err, "open log file")
	}
	logger := zerolog.New(f).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger, func() { _ = f.Close() }, nil
}

func runTUI(cfg Config, kind transport.Kind, loc *time.Location, logger zerolog.Logger) error {
	ctrl := session.NewController(newDialer(kind, logger), nil, nil)
	ctrl.Logger = logger

	m := initialModel(ctrl, cfg.Server, cfg.Username, logger)
	m.log.SetLocation(loc)
	ctrl.Renderer = m.log
	ctrl.View = m

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	ctrl.Dispatch = func(fn func()) { p.Send(dispatchMsg(fn)) }

	if _, err := p.Run(); err != nil {
		return errors.Wrap(err, "run TUI")
	}
	return nil
}

func runPlain(ctx context.Context, cfg Config, kind transport.Kind, loc *time.Location, logger zerolog.Logger) error {
	return runConsole(ctx, os.Stdin, os.Stdout, cfg, kind, loc, logger)
}

func runConsole(ctx context.Context, in io.Reader, out io.Writer, cfg Config, kind transport.Kind, loc *time.Location, logger zerolog.Logger) error {
	r := render.NewPlain(out)
	r.SetLocation(loc)
	ctrl := session.NewController(newDialer(kind, logger), r, nil)
	ctrl.Logger = logger
	c := newConsole(ctrl, out, logger)
	return c.run(ctx, in, cfg.Server, cfg.Username)
}
