package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/store/sqlite"
)

// app carries what every command needs. cfg and log are filled by the
// root command unless already set.
type app struct {
	out    io.Writer
	cfg    *config.Config
	log    *zap.Logger
	dbPath string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "allocsync",
		Short:         "Synchronize allocation sources with the accounting service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(a.out)
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides ALLOCSYNC_DB_PATH)")

	root.AddCommand(
		newSourcesCmd(a),
		newUsersCmd(a),
		newAuditCmd(a),
		newValidateCmd(a),
		newAddUserCmd(a),
		newReportJobCmd(a),
	)
	return root
}

func (a *app) init() error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.dbPath != "" {
		a.cfg.DBPath = a.dbPath
	}
	if a.log == nil {
		log, err := config.NewLogger(a.cfg.LogLevel)
		if err != nil {
			return err
		}
		a.log = log
	}
	return nil
}

func (a *app) openStore() (*sqlite.Store, error) {
	if a.cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return sqlite.New(a.cfg.DBPath)
}

// withJobs opens the store, wires Jobs over a fresh driver and runs fn.
func (a *app) withJobs(fn func(*allocation.Jobs) error) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	jobs := allocation.NewJobs(a.cfg.NewDriver(a.log), store, store, a.log)
	jobs.Runs = store
	return fn(jobs)
}

// =============================================================================
// JOB COMMANDS
// =============================================================================

func newSourcesCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Mirror every allocation into a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJobs(func(jobs *allocation.Jobs) error {
				created, err := jobs.FillAllocationSources(cmd.Context(), force)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "created %d sources\n", created)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing sources with upstream values")
	return cmd
}

func newUsersCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Link every local user to their valid allocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJobs(func(jobs *allocation.Jobs) error {
				granted, err := jobs.FillUserAllocationSources(cmd.Context(), force)
				if err != nil {
					return err
				}
				users, err := jobs.Users.ListUsers(cmd.Context())
				if err != nil {
					return err
				}
				for _, u := range users {
					ids := make([]string, 0, len(granted[u.Username]))
					for _, src := range granted[u.Username] {
						ids = append(ids, src.SourceID)
					}
					fmt.Fprintf(a.out, "%s: %s\n", u.Username, strings.Join(ids, ","))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing sources with upstream values")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print users without an allocation on the resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJobs(func(jobs *allocation.Jobs) error {
				users, err := jobs.CollectUsersWithoutAllocation(cmd.Context())
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Fprintln(a.out, u.Username)
				}
				return nil
			})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate USERNAME",
		Short: "Check whether a user holds an allocation on the resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJobs(func(jobs *allocation.Jobs) error {
				ok, err := jobs.ValidateAccount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(a.out, "%s: valid on %s\n", args[0], jobs.Driver.Resource())
				} else {
					fmt.Fprintf(a.out, "%s: no allocation on %s\n", args[0], jobs.Driver.Resource())
				}
				return nil
			})
		},
	}
}

// =============================================================================
// ADMIN COMMANDS
// =============================================================================

func newAddUserCmd(a *app) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "add-user USERNAME",
		Short: "Register a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SaveUser(cmd.Context(), allocation.User{Username: args[0], Email: email}); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "added %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}

func newReportJobCmd(a *app) *cobra.Command {
	var (
		r          accounting.JobReport
		sus        string
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "report-job",
		Short: "Report service-unit consumption for one job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if r.SUs, err = decimal.NewFromString(sus); err != nil {
				return fmt.Errorf("invalid --sus %q: %w", sus, err)
			}
			if r.Start, err = allocation.ParseTimestamp(start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if r.End, err = allocation.ParseTimestamp(end); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			if r.End.Before(r.Start) {
				return fmt.Errorf("--end %s is before --start %s", end, start)
			}

			driver := a.cfg.NewDriver(a.log)
			if _, err := driver.ReportJob(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "reported %s SUs for %s on %s\n", r.SUs, r.Username, r.Project)
			return nil
		},
	}
	cmd.Flags().StringVar(&r.Username, "username", "", "Accounting username")
	cmd.Flags().StringVar(&r.Project, "project", "", "Project charged")
	cmd.Flags().StringVar(&sus, "sus", "", "Service units consumed")
	cmd.Flags().StringVar(&start, "start", "", "Job start (UTC)")
	cmd.Flags().StringVar(&end, "end", "", "Job end (UTC)")
	cmd.Flags().StringVar(&r.QueueName, "queue", accounting.DefaultQueueName, "Queue name")
	cmd.Flags().StringVar(&r.SchedulerID, "scheduler", accounting.DefaultSchedulerID, "Scheduler id")
	cmd.Flags().StringVar(&r.Resource, "resource", "", "Resource (default: configured resource)")
	for _, name := range []string{"username", "project", "sus", "start", "end"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}
