package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/aopopov01/TailTracker-sub009/internal/config"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	syncpkg "github.com/aopopov01/TailTracker-sub009/internal/sync"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/ws"
)

// loadConfig loads the dotenv file, then the config file with PETSYNC_*
// overrides applied.
func loadConfig(fs afero.Fs, opts *rootOptions) (config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
			return config.Config{}, fmt.Errorf("failed to load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(fs, opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}

// setupLogging points the global logger at the configured sink. Without a
// log file, entries go to stderr so command output stays clean.
func setupLogging(c config.Log, stderr io.Writer) (io.Closer, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.File == "" {
		logging.Init(stderr, level)
		return nil, nil
	}

	w := logging.NewFileWriter(logging.FileOptions{
		Path:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	})
	logging.Init(w, level)
	return w, nil
}

// openBackend opens the durable store selected by the config.
func openBackend(c config.Store) (changestore.Backend, error) {
	switch c.Driver {
	case config.DriverBadger:
		return changestore.OpenBadger(c.Path)
	case config.DriverSQLite:
		return changestore.OpenSQLite(c.Path)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

// app bundles what a syncing command needs.
type app struct {
	cfg     config.Config
	logFile io.Closer
	client  *ws.Client
	manager *syncpkg.Manager
}

func openApp(opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(afero.NewOsFs(), opts)
	if err != nil {
		return nil, err
	}
	logFile, err := setupLogging(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	engineCfg, err := syncpkg.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}

	client := ws.NewClient(cfg.Transport.URL)
	return &app{
		cfg:     cfg,
		logFile: logFile,
		client:  client,
		manager: syncpkg.NewManager(backend, client, engineCfg),
	}, nil
}

func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		logging.Error("Failed to close store", err)
	}
	a.client.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// parseValue reads a command line value as JSON, falling back to a string.
func parseValue(s string) models.Value {
	if json.Valid([]byte(s)) {
		return models.Value(s)
	}
	return models.MustValue(s)
}

func busy(st models.FieldState) bool {
	return st.Status == models.StatusPending || st.Status == models.StatusSyncing
}

// waitSettled polls until none of the engine's fields (or only the listed
// ones) is pending or syncing.
func waitSettled(ctx context.Context, e *syncpkg.EntityEngine, fields ...models.FieldName) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		settled := true
		if len(fields) == 0 {
			for _, st := range e.Fields() {
				if busy(st) {
					settled = false
					break
				}
			}
		} else {
			for _, f := range fields {
				if st, ok := e.Field(f); ok && busy(st) {
					settled = false
					break
				}
			}
		}
		if settled {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %s to sync: %w", e.EntityID(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// printField writes one field's state as a single line.
func printField(w io.Writer, entityID string, st models.FieldState) {
	line := fmt.Sprintf("%s %s = %s [%s] local=%d remote=%d",
		entityID, st.Field, st.Value, st.Status, st.LocalVersion, st.RemoteVersion)
	if st.LastError != "" {
		line += " error=" + st.LastError
	}
	fmt.Fprintln(w, line)
}
