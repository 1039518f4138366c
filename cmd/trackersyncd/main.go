// Command trackersyncd runs the tracker sync daemon and talks to a running
// instance over its management API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/trackersync/internal/config"
	"github.com/p-blackswan/trackersync/internal/daemon"
	"github.com/p-blackswan/trackersync/internal/server"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var api apiFlags
	root := &cobra.Command{
		Use:           "trackersyncd",
		Short:         "Sync tracker projects into local workspaces",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&api.addr, "addr", envOr("TRACKERSYNC_ADDR", "http://localhost:3001"), "Base URL of a running daemon")
	root.PersistentFlags().StringVar(&api.token, "token", os.Getenv("MGMT_API_KEY"), "Management API bearer token")

	root.AddCommand(startCmd())
	root.AddCommand(statusCmd(&api))
	root.AddCommand(addProjectCmd(&api))
	root.AddCommand(removeProjectCmd(&api))
	root.AddCommand(listProjectsCmd(&api))
	root.AddCommand(triggerCmd(&api))
	return root
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			d, err := daemon.New(cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to initialize daemon")
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger
	return logger
}

func statusCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := api.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:           %s\n", h.Status)
			fmt.Fprintf(out, "Uptime:           %.0fs\n", h.Uptime)
			fmt.Fprintf(out, "Active projects:  %d\n", h.ActiveProjects)
			fmt.Fprintf(out, "Automation rules: %d\n", h.AutomationRules)
			fmt.Fprintf(out, "Queued syncs:     %d\n", h.SyncQueueSize)
			fmt.Fprintf(out, "Delayed retries:  %d\n", h.DelayedRetries)
			fmt.Fprintf(out, "Dead letters:     %d\n", h.DeadLetters)
			for name, s := range h.Checks {
				fmt.Fprintf(out, "  %-14s  %s\n", name, s)
			}
			return nil
		},
	}
}

func addProjectCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add-project <json>",
		Short: "Start tracking a project",
		Long: `Register a project with a running daemon. The argument is the project
as JSON, for example:

  trackersyncd add-project '{"id":"901","name":"Site","workspace_path":"/src/site"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := api.client().AddProject(cmd.Context(), []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking project %s (%s) in %s\n", p.ID, p.Name, p.WorkspacePath)
			return nil
		},
	}
}

func removeProjectCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-project <id>",
		Short: "Stop tracking a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.client().RemoveProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed project %s\n", args[0])
			return nil
		},
	}
}

func listProjectsCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-projects",
		Short: "List tracked projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := api.client().ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(projects) == 0 {
				fmt.Fprintln(out, "No projects tracked")
				return nil
			}
			for _, p := range projects {
				last := "never"
				if p.LastSync != nil {
					last = p.LastSync.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "%s\t%s\t%s\tauto_sync=%t\tlast_sync=%s\n", p.ID, p.Name, p.WorkspacePath, p.AutoSyncEnabled, last)
			}
			return nil
		},
	}
}

func triggerCmd(api *apiFlags) *cobra.Command {
	var (
		docIDs []string
		files  []string
		taskID string
	)
	cmd := &cobra.Command{
		Use:   "trigger <project_id> [sync_type]",
		Short: "Queue a sync on a running daemon",
		Long: `Queue a sync task. sync_type is one of project_sync (default), doc_sync,
task_analysis or file_upload.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.TriggerRequest{ProjectID: args[0], TaskID: taskID, DocIDs: docIDs, Files: files}
			if len(args) == 2 {
				req.SyncType = args[1]
			}
			queued, err := api.client().Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			if queued {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync queued")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync already pending")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&docIDs, "doc", nil, "Document ids for doc_sync")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Workspace files for file_upload")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id for task_analysis")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
