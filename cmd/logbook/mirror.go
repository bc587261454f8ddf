package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/notionsync"
)

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.AddCommand(mirrorNotionCmd)
	mirrorNotionCmd.Flags().Bool("dry-run", false, "report what would change without writing to Notion")
	mirrorNotionCmd.Flags().String("database", "", "Notion database id (default notion.database_id)")
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy the logbook into other tools",
}

var mirrorNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Mirror local transactions into a Notion database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		databaseID, _ := cmd.Flags().GetString("database")

		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Notion.Token == "" {
			return fmt.Errorf("no Notion token: set notion.token or LOGBOOK_NOTION_TOKEN")
		}
		if databaseID == "" {
			databaseID = a.cfg.Notion.DatabaseID
		}

		mirror := notionsync.NewMirror(a.store, notionsync.NewClient(a.cfg.Notion.Token), databaseID, a.cfg.RetryPolicy())
		mirror.DryRun = dryRun
		res, err := mirror.Run(ctx)
		if err != nil {
			return err
		}

		prefix := ""
		if dryRun {
			prefix = "[dry run] "
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s%d created, %d updated, %d unchanged, %d archived, %d failed\n",
			prefix, res.Created, res.Updated, res.Unchanged, res.Archived, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d Notion pages failed", res.Failed)
		}
		return nil
	},
}
