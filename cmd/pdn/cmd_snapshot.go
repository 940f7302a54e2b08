package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/pdn/internal/session"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

var snapshotList bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [session-id]",
	Short: "Print the persisted assessment snapshot of a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !snapshotList && len(args) == 0 {
			return errors.New("a session id is required unless --list is set")
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}

		blobs, closeBlobs, err := openBlobStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeBlobs()

		persister := session.NewPersister(blobs, stages.Default(), session.WithPersisterLogger(logger))
		defer persister.Close()

		if snapshotList {
			return listSnapshots(ctx, cmd.OutOrStdout(), persister)
		}
		return printSnapshot(ctx, cmd.OutOrStdout(), persister, args[0])
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotList, "list", false, "List stored snapshot keys, archived runs included")
}

func listSnapshots(ctx context.Context, out io.Writer, persister *session.Persister) error {
	keys, err := persister.List(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "No snapshots stored.")
		return nil
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func printSnapshot(ctx context.Context, out io.Writer, persister *session.Persister, sessionID string) error {
	snap, err := persister.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no snapshot for session %s", sessionID)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
