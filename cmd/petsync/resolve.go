package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
)

// resolution builds a manual resolution from the resolve flags.
func resolution(field models.FieldName, keep, value string, valueSet bool) (conflict.Resolution, error) {
	res := conflict.Resolution{Field: field, Policy: conflict.PolicyManual}
	switch {
	case valueSet && keep != "":
		return res, fmt.Errorf("--keep and --value are mutually exclusive")
	case valueSet:
		res.Choice = conflict.ChoiceUseValue
		res.Value = parseValue(value)
	case keep == "local":
		res.Choice = conflict.ChoiceKeepLocal
	case keep == "remote":
		res.Choice = conflict.ChoiceKeepRemote
	default:
		return res, fmt.Errorf("one of --keep local, --keep remote or --value is required")
	}
	return res, nil
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		keep  string
		value string
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resolve <entity-id> <field>",
		Short: "Resolve a conflict",
		Long: `Settle a field in conflict by keeping the local value, keeping the remote
value, or replacing both with a new value.`,
		Example: `  petsync resolve pet-1 name --keep local
  petsync resolve pet-1 weight --value 12.8`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, field := args[0], models.FieldName(args[1])
			res, err := resolution(field, keep, value, cmd.Flags().Changed("value"))
			if err != nil {
				return err
			}

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
			if err := e.ResolveConflicts(ctx, []conflict.Resolution{res}); err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			waitErr := waitSettled(waitCtx, e, field)

			st, _ := e.Field(field)
			printField(cmd.OutOrStdout(), entityID, st)
			return waitErr
		},
	}

	cmd.Flags().StringVar(&keep, "keep", "", "side to keep: local or remote")
	cmd.Flags().StringVar(&value, "value", "", "replacement value (JSON, or a plain string)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the push")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "retry <entity-id> <field>",
		Short: "Push a field whose retries were exhausted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, field := args[0], models.FieldName(args[1])

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
			if err := e.Retry(ctx, field); err != nil {
				return err
			}

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
