package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file holding every default",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Notion.Token != "" {
			cfg.Notion.Token = "********"
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "store.path          %s\n", cfg.Store.Path)
		fmt.Fprintf(w, "remote.backend      %s\n", cfg.Remote.Backend)
		fmt.Fprintf(w, "remote.project      %s\n", cfg.Remote.Project)
		fmt.Fprintf(w, "remote.dataset      %s\n", cfg.Remote.Dataset)
		fmt.Fprintf(w, "sync.interval       %s\n", cfg.Sync.Interval)
		fmt.Fprintf(w, "sync.probe_address  %s\n", cfg.Sync.ProbeAddress)
		fmt.Fprintf(w, "sync.trigger_file   %s\n", cfg.Sync.TriggerFile)
		fmt.Fprintf(w, "sync.incremental    %t\n", cfg.Sync.Incremental)
		fmt.Fprintf(w, "retry               %+v\n", cfg.RetryPolicy())
		fmt.Fprintf(w, "api.addr            %s\n", cfg.API.Addr)
		fmt.Fprintf(w, "log                 %s/%s %s\n", cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
		fmt.Fprintf(w, "notion.token        %s\n", cfg.Notion.Token)
		fmt.Fprintf(w, "notion.database_id  %s\n", cfg.Notion.DatabaseID)
		fmt.Fprintf(w, "backup              gs://%s/%s\n", cfg.Backup.Bucket, cfg.Backup.Prefix)
		return nil
	},
}
