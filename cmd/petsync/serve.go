package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/memory"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/ws"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote store over WebSocket",
		Long: `Serve an in-memory remote store for development. The listen address and
path default to those of transport.url. State is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(afero.NewOsFs(), opts)
			if err != nil {
				return err
			}
			logFile, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}

			listen, path, err := listenAddr(cfg.Transport.URL)
			if err != nil {
				return err
			}
			if addr != "" {
				listen = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, listen, path, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: host of transport.url)")
	return cmd
}

// listenAddr derives the listen address and handler path from a ws:// URL.
func listenAddr(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid transport.url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("transport.url %q has no host", rawURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return u.Host, path, nil
}

// newServeMux routes the sync endpoint and a health check.
func newServeMux(store *memory.Server, path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, ws.NewHandler(func() ws.Backend {
		return memory.NewClient(store)
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"petsync"}`))
	})
	return mux
}

func serve(ctx context.Context, addr, path string, out io.Writer) error {
	store := memory.NewServer()
	defer store.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(store, path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.Info("Remote store listening", map[string]interface{}{
		"addr": addr,
		"path": path,
	})
	fmt.Fprintf(out, "Serving remote store on ws://%s%s\n", addr, path)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logging.Info("Remote store stopped", nil)
	return nil
}
