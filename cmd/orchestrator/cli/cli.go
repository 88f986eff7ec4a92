// Package cli implements the orchestrator's administrative subcommands
// (enqueue, list, reset, pause, resume, recover, kill-orphans, daemon), one
// cobra.Command per verb, each mapping its outcome to the documented exit
// codes instead of a single catch-all failure.
package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/common/stringutil"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
	"github.com/dancegit/tmux-orchestrator/internal/runtime"
	"github.com/dancegit/tmux-orchestrator/internal/store"
	"github.com/dancegit/tmux-orchestrator/internal/tracing"
)

// Exit codes per the documented CLI contract.
const (
	ExitSuccess       = 0
	ExitUsage         = 2
	ExitLockHeld      = 3
	ExitNotFound      = 4
	ExitStateConflict = 5
)

var configPath string

// NewRootCommand builds the top-level "orchestrator" command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Tmux session orchestration daemon and admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing orchestrator_config.yaml")

	root.AddCommand(
		newEnqueueCmd(),
		newListCmd(),
		newResetCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newRecoverCmd(),
		newKillOrphansCmd(),
		newDaemonCmd(),
	)
	return root
}

// ExitCodeFor maps a returned error to one of the documented CLI exit codes.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch orcherr.KindOf(err) {
	case orcherr.StateConflict:
		return ExitStateConflict
	case orcherr.NotFound:
		return ExitNotFound
	case orcherr.LockHeld:
		return ExitLockHeld
	default:
		return ExitUsage
	}
}

func loadConfigAndLogger() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Configuration, "load config", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Configuration, "init logger", err)
	}
	return cfg, log, nil
}

func openStoreOnly(_ context.Context) (*store.Store, func(), error) {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return rt.Store, func() { _ = rt.Store.Close() }, nil
}

func newEnqueueCmd() *cobra.Command {
	var specPath, projectPath string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a project for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specPath == "" || projectPath == "" {
				return orcherr.New(orcherr.Configuration, "--spec and --project are required")
			}
			s, closeFn, err := openStoreOnly(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			id, err := s.Enqueue(cmd.Context(), specPath, projectPath, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the specification the setup collaborator consumes")
	cmd.Flags().StringVar(&projectPath, "project", "", "project working-directory handle")
	return cmd
}

func newListCmd() *cobra.Command {
	var pathContains string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openStoreOnly(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			projects, err := s.ListProjectsByPath(cmd.Context(), pathContains)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSESSION\tENQUEUED_AT\tSTARTED_AT\tERROR")
			for _, p := range projects {
				session := "-"
				if p.SessionName != nil {
					session = *p.SessionName
				}
				started := "-"
				if p.StartedAt != nil {
					started = fmt.Sprintf("%d", *p.StartedAt)
				}
				errMsg := "-"
				if p.ErrorMessage != nil && *p.ErrorMessage != "" {
					errMsg = stringutil.TruncateStringWithEllipsis(*p.ErrorMessage, 40)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", p.ID, p.Status, session, p.EnqueuedAt, started, errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pathContains, "path-contains", "", "only list projects whose project_path contains this substring")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a FAILED project to QUEUED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, cfg, err := parseIDAndConfig(args[0])
			if err != nil {
				return err
			}
			s, closeFn, err := openStoreOnly(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			p, err := s.GetProject(cmd.Context(), id)
			if err != nil {
				return err
			}
			if p.Status != store.StatusFailed {
				return orcherr.New(orcherr.StateConflict, "project is not FAILED")
			}
			if p.RetryCount >= cfg.Scheduler.MaxProjectRetries {
				return orcherr.New(orcherr.StateConflict, "retry_count already at max_project_retries")
			}
			return s.Transition(cmd.Context(), id, store.StatusFailed, store.StatusQueued, store.TransitionPatch{})
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a PROCESSING project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, err := parseIDAndConfig(args[0])
			if err != nil {
				return err
			}
			s, closeFn, err := openStoreOnly(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return s.Transition(cmd.Context(), id, store.StatusProcessing, store.StatusPaused, store.TransitionPatch{})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a PAUSED project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, err := parseIDAndConfig(args[0])
			if err != nil {
				return err
			}
			s, closeFn, err := openStoreOnly(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return s.Transition(cmd.Context(), id, store.StatusPaused, store.StatusProcessing, store.TransitionPatch{})
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run RecoveryManager once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Store.Close() }()
			summary := rt.Recovery.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeated=%d repaired=%d failed=%d cleared_claims=%d\n",
				summary.Heartbeated, summary.Repaired, summary.Failed, summary.ClearedClaims)
			return nil
		},
	}
}

func newKillOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-orphans",
		Short: "Run the SessionMonitor orphan pass once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Store.Close() }()
			rt.SessionMonitor.Reconcile(cmd.Context())
			return nil
		},
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon: lock, recover, then loop forever",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tracing.Tracer("daemon") // forces lazy OTel init before loops start
			defer func() { _ = tracing.Shutdown(context.Background()) }()

			if err := rt.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return rt.Stop()
		},
	}
}

func parseIDAndConfig(arg string) (int64, *config.Config, error) {
	var id int64
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
		return 0, nil, orcherr.New(orcherr.Configuration, "id must be an integer")
	}
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return 0, nil, orcherr.Wrap(orcherr.Configuration, "load config", err)
	}
	return id, cfg, nil
}
