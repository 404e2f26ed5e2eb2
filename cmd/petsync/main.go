// Package main provides the petsync command line tool. It edits pet
// profiles in the local change store, synchronizes them with a remote store
// over WebSocket, and can serve an in-memory remote store for development.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aopopov01/TailTracker-sub009/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "petsync",
		Short: "Field-level sync of pet profiles",
		Long: `petsync edits pet profiles in the local change store and keeps them in
sync with the remote store, one field at a time.

Values are JSON documents. A value that is not valid JSON is sent as a
string, so "petsync edit pet-1 name Max" and "petsync edit pet-1 weight 12.5"
both work.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", config.DefaultPath(), "path to config.toml")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config (empty to skip)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newEditCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newPendingCmd(opts))
	cmd.AddCommand(newResolveCmd(opts))
	cmd.AddCommand(newRetryCmd(opts))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
