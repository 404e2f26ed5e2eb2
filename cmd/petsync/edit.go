package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

func newEditCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "edit <entity-id> <field> <value>",
		Short: "Edit one field and push it",
		Long: `Record a local edit and push it right away instead of waiting for the
debounce delay. The command waits until the field is synced, in conflict or
in error. The edit stays queued in the local store if the remote store is
unreachable.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, field := args[0], models.FieldName(args[1])
			value := parseValue(args[2])

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			e, err := a.manager.Engine(ctx, entityID)
			if err != nil {
				return err
			}
			if err := e.EditField(ctx, field, value); err != nil {
				return err
			}
			e.Flush()

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			waitErr := waitSettled(waitCtx, e, field)

			st, _ := e.Field(field)
			printField(cmd.OutOrStdout(), entityID, st)
			return waitErr
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the push")
	return cmd
}
