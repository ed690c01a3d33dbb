package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:          "boardchat-server",
	Short:        "Board chat server speaking raw websocket and Socket.IO",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	flagConfig  string
	flagLogDir  string
	flagConsole bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", "serverconfig.json", "path to the JSON configuration file")
	flags.StringVar(&flagLogDir, "log-dir", "logs", "directory for server.log")
	flags.BoolVar(&flagConsole, "console", true, "read operator commands from stdin")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute server command")
	}
}

// setupLogging logs to the console and to a rotated server.log.
func setupLogging(dir string) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "server.log"),
		MaxSize:    50,
		MaxBackups: 10,
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, logFile)).With().Timestamp().Logger()
	return logFile, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	logFile, err := setupLogging(flagLogDir)
	if err != nil {
		return err
	}
	defer func() {
		// Start the next run with a fresh file; the old one is compressed.
		if err := logFile.Rotate(); err != nil {
			fmt.Fprintln(os.Stderr, "rotate log:", err)
		}
		_ = logFile.Close()
	}()

	config := NewConfig(flagConfig)
	if err := config.Load(); err != nil {
		return errors.Wrap(err, "load config")
	}

	store, err := OpenStore(config)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	history, err := store.Load(config.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("[server] load chat log failed; starting empty")
		history = nil
	}
	log.Info().Msgf("[server] loaded %d messages from the %s store", len(history), config.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assistant, closeAssistant := newAssistant(ctx, os.Getenv("GEMINI_API_KEY"), config.AssistantModel)
	defer closeAssistant()

	g, ctx := errgroup.WithContext(ctx)
	hub := NewHub(ctx, NewBoard(store, history, log.Logger), config, assistant, log.Logger)
	g.Go(hub.Run)

	server := &http.Server{Addr: config.Addr(), Handler: NewRouter(hub, config)}
	g.Go(func() error {
		log.Info().Msgf("[server] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("[server] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if addr := config.TCPAddr(); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			stop()
			g.Wait()
			return errors.Wrap(err, "tcp listen")
		}
		g.Go(func() error { return serveTCP(hub, ln) })
	}
	if flagConsole {
		console := NewConsole(hub, config, os.Stdout)
		go func() {
			console.Run(os.Stdin)
			stop()
		}()
	}

	return g.Wait()
}

// NewRouter wires the HTTP surface.
func NewRouter(hub *Hub, config *Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			serveWs(hub, w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, landingPage(config))
	})
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	r.HandleFunc("/socket.io/", func(w http.ResponseWriter, r *http.Request) {
		serveSocketIO(hub, w, r)
	})
	r.Get("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(hub.board.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

func landingPage(config *Config) string {
	config.mu.RLock()
	name, port := config.ServerName, config.Port
	config.mu.RUnlock()
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>%[1]s</title>
    <style>
        body { font-family: sans-serif; text-align: center; padding-top: 50px; }
        code { background: #f4f4f4; padding: 5px; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>%[1]s</h1>
    <p>This is the chat server endpoint.</p>
    <p>Run: <code>boardchat --server HOST:%[2]s --username NAME</code></p>
</body>
</html>
`, name, port)
}
