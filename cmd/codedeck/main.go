package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"codedeck/internal/command"
	"codedeck/internal/config"
	"codedeck/internal/db"
	"codedeck/internal/docstore"
	"codedeck/internal/execchan"
	"codedeck/internal/execserver"
	"codedeck/internal/lifecycle"
	"codedeck/internal/localapi"
	"codedeck/internal/logging"
	"codedeck/internal/runtime"
	"codedeck/internal/userconfig"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   loadRuntimeConfig,
		RunServe:     runServe,
		RunAPIMode:   runAPIMode,
		RunExecMode:  runExecMode,
		RunCode:      runCode,
		RunMigrateUp: runMigrateUp,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "codedeck"}).
			Error("codedeck failed", "err", err)
		os.Exit(1)
	}
}

// loadRuntimeConfig layers saved user preferences under the env-derived
// config: a CODEDECK_* variable always wins over the prefs file.
func loadRuntimeConfig() config.Config {
	cfg := config.LoadConfig()
	prefs, err := userconfig.NewStore(filepath.Dir(cfg.DBPath)).LoadOrInit()
	if err != nil {
		return cfg
	}
	if os.Getenv("CODEDECK_LOCAL_PORT") == "" && prefs.LocalPort > 0 {
		cfg.LocalPort = prefs.LocalPort
	}
	if os.Getenv("CODEDECK_TRANSPORT") == "" && prefs.Transport != "" {
		cfg.Transport = prefs.Transport
	}
	if os.Getenv("CODEDECK_POLL_INTERVAL_MS") == "" && prefs.PollIntervalMS > 0 {
		cfg.PollIntervalMS = prefs.PollIntervalMS
	}
	if os.Getenv("CODEDECK_WRITE_DEBOUNCE_MS") == "" && prefs.Editor.DebounceMS > 0 {
		cfg.DebounceMS = prefs.Editor.DebounceMS
	}
	return cfg
}

func newRuntimeLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "codedeck"})
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newRuntimeLogger(cfg)
	logger.Info("starting codedeck", "version", version)

	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := docstore.NewStore(gdb, logger)

	mgr := lifecycle.NewManager()
	addAPIJob(mgr, cfg, store, logger)
	addExecJob(mgr, cfg, logger)
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(gdb)
	})
	return mgr.StartAndWait(ctx)
}

func runAPIMode(ctx context.Context, cfg config.Config) error {
	logger := newRuntimeLogger(cfg)
	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := docstore.NewStore(gdb, logger)

	mgr := lifecycle.NewManager()
	addAPIJob(mgr, cfg, store, logger)
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(gdb)
	})
	return mgr.StartAndWait(ctx)
}

func runExecMode(ctx context.Context, cfg config.Config) error {
	logger := newRuntimeLogger(cfg)
	mgr := lifecycle.NewManager()
	addExecJob(mgr, cfg, logger)
	return mgr.StartAndWait(ctx)
}

func addAPIJob(mgr *lifecycle.Manager, cfg config.Config, store *docstore.Store, logger *slog.Logger) {
	server := localapi.NewServer(localapi.Deps{Store: store, Logger: logger})
	addr := fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort)
	mgr.AddRun("api", func(ctx context.Context) error {
		logger.Info("editor api listening", "addr", addr)
		return serveHTTP(ctx, addr, server.Handler())
	})
}

func addExecJob(mgr *lifecycle.Manager, cfg config.Config, logger *slog.Logger) {
	server := execserver.New(execserver.Options{Runner: &execserver.PythonRunner{}, Logger: logger})
	mgr.AddRun("exec", func(ctx context.Context) error {
		logger.Info("execution backend listening", "addr", cfg.ExecListenAddr)
		return serveHTTP(ctx, cfg.ExecListenAddr, server)
	})
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runCode drives one execution through the session runtime from the
// terminal: transcript lines print as they append, prompts read a line from
// stdin.
func runCode(ctx context.Context, cfg config.Config, req command.RunRequest) error {
	logger := newRuntimeLogger(cfg)
	code := req.Code
	if code == "" {
		if req.FileID == "" {
			return errors.New("provide --file or --code")
		}
		gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		store := docstore.NewStore(gdb, logger)
		rec, found, err := store.Fetch(ctx, docstore.CollectionFiles, req.FileID)
		closeErr := db.Close(gdb)
		if err != nil {
			return fmt.Errorf("fetch file: %w", err)
		}
		if !found {
			return fmt.Errorf("file %s not found", req.FileID)
		}
		if closeErr != nil {
			return closeErr
		}
		code = rec.Str("content")
	}

	channel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect execution backend: %w", err)
	}
	rt := runtime.New(uuid.NewString(), channel, logger)
	defer func() { _ = rt.Close() }()

	if err := rt.Start(code); err != nil {
		snap := rt.Snapshot()
		printTranscript(snap.Transcript, 0)
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	printed := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		snap := rt.Snapshot()
		printed = printTranscript(snap.Transcript, printed)
		switch {
		case snap.PendingInput:
			fmt.Print("> ")
			line, err := stdin.ReadString('\n')
			if err != nil {
				return err
			}
			if err := rt.SubmitInput(strings.TrimRight(line, "\r\n")); err != nil {
				return err
			}
		case snap.Phase == runtime.PhaseCompleted:
			return nil
		case snap.Phase == runtime.PhaseError:
			return errors.New("execution failed")
		}
	}
}

func openChannel(ctx context.Context, cfg config.Config, logger *slog.Logger) (execchan.Channel, error) {
	if cfg.Transport == "poll" {
		interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
		return execchan.NewPollChannel(cfg.ExecBaseURL, nil, interval, logger), nil
	}
	return execchan.DialStream(ctx, execchan.WSDialer{}, cfg.ExecWSURL, logger)
}

// printTranscript prints lines added since the previous call. Input echo
// lines are skipped, the terminal showed them as they were typed.
func printTranscript(lines []runtime.OutputEvent, from int) int {
	for _, line := range lines[from:] {
		if line.Kind == execchan.KindInputEcho {
			continue
		}
		fmt.Println(line.Text)
	}
	return len(lines)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	logger := newRuntimeLogger(cfg)
	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	logger.Info("migrations applied", "db", cfg.DBPath)
	return db.Close(gdb)
}
