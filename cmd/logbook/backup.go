package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/backup"
	"github.com/dvloznov/finance-logbook/internal/localstore"
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupUploadCmd, backupListCmd, backupRestoreCmd)
	backupCmd.PersistentFlags().String("bucket", "", "GCS bucket (default backup.bucket)")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the local store to Cloud Storage",
}

// openBackup returns the backup service for the configured bucket.
func openBackup(cmd *cobra.Command, a *app) (*backup.Service, func(), error) {
	bucket, _ := cmd.Flags().GetString("bucket")
	if bucket == "" {
		bucket = a.cfg.Backup.Bucket
	}
	if bucket == "" {
		return nil, nil, fmt.Errorf("no bucket: set backup.bucket or pass --bucket")
	}
	gcs, err := backup.NewGCSObjectStore(cmd.Context(), a.cfg.Remote.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := gcs.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close storage client")
		}
	}
	return backup.NewService(gcs, bucket, a.cfg.Backup.Prefix), closeFn, nil
}

var backupUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a snapshot of the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		svc, closeFn, err := openBackup(cmd, a)
		if err != nil {
			return err
		}
		defer closeFn()

		uri, err := svc.Upload(ctx, a.store)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backups of this client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		svc, closeFn, err := openBackup(cmd, a)
		if err != nil {
			return err
		}
		defer closeFn()

		clientID, err := a.store.ClientID(ctx)
		if err != nil {
			return err
		}
		names, err := svc.List(ctx, clientID)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [OBJECT]",
	Short: "Replace the local store with a backup (default: the latest)",
	Long: `Replace the local store with a backup. OBJECT is a gs:// URI or an object
name in the backup bucket; without it the newest backup of this client is used.

Queued mutations made after the backup are lost. Do not run this while
'logbook serve' is using the store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		svc, closeFn, err := openBackup(cmd, a)
		if err != nil {
			a.Close()
			return err
		}
		defer closeFn()

		object := ""
		if len(args) == 1 {
			object = args[0]
		} else {
			clientID, err := a.store.ClientID(ctx)
			if err != nil {
				a.Close()
				return err
			}
			if object, err = svc.Latest(ctx, clientID); err != nil {
				a.Close()
				return err
			}
		}

		// The store must be closed before its file is replaced.
		path := a.store.Path()
		a.Close()
		if err := svc.Restore(ctx, object, path); err != nil {
			return err
		}

		restored, err := localstore.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("restored file does not open: %w", err)
		}
		defer restored.Close()
		depth, err := restored.Outbox().Depth(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%d queued mutations)\n", object, depth)
		return nil
	},
}
