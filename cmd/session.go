package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/app"
)

// sessionFlags select the data version a command works on.
type sessionFlags struct {
	sample      bool
	resume      bool
	dataVersion string
}

// bind registers the flags. Commands that only make sense on an existing
// session resume by default.
func (f *sessionFlags) bind(cmd *cobra.Command, resumeDefault bool) {
	cmd.Flags().BoolVar(&f.sample, "sample", false, "work on a sample session that fetches only a few files")
	cmd.Flags().BoolVar(&f.resume, "resume", resumeDefault, "continue the newest existing data version")
	cmd.Flags().StringVar(&f.dataVersion, "data-version", "", "work on this data version (YYYY-MM-DD-HH-MM-SS)")
}

func (f *sessionFlags) options() app.SessionOptions {
	return app.SessionOptions{
		Sample:      f.sample,
		Resume:      f.resume && f.dataVersion == "",
		DataVersion: f.dataVersion,
	}
}

// withSession opens the session of one source, runs fn and closes the store.
func withSession(cmd *cobra.Command, name string, flags *sessionFlags, fn func(context.Context, *app.Session) error) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := a.OpenSession(ctx, name, flags.options())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.Logger().Warn("close session store", zap.String("source", name), zap.Error(cerr))
		}
	}()
	if err := fn(ctx, sess); err != nil {
		return fmt.Errorf("%s/%s: %w", name, sess.Dir.DataVersion, err)
	}
	return nil
}

func newGatherCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "gather <source>",
		Short: "Enumerate the files a source publishes and queue them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], &flags, func(ctx context.Context, s *app.Session) error {
				if err := s.Orchestrator.Gather(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s: gather done\n", args[0], s.Dir.DataVersion)
				return err
			})
		},
	}
	flags.bind(cmd, false)
	return cmd
}

func newFetchCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "fetch <source>",
		Short: "Fetch every pending file of a gathered session.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], &flags, func(ctx context.Context, s *app.Session) error {
				if err := s.Orchestrator.Fetch(ctx); err != nil {
					return err
				}
				return printStats(cmd, args[0], s)
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func newRunCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "run <source>...",
		Short: "Gather then fetch one or more sources, one after another.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				err := withSession(cmd, name, &flags, func(ctx context.Context, s *app.Session) error {
					if err := s.Orchestrator.Run(ctx); err != nil {
						return err
					}
					return printStats(cmd, name, s)
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.bind(cmd, false)
	return cmd
}

func newRewindCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "rewind <source>",
		Short: "Drop unsuccessful files so the next gather queues them again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], &flags, func(ctx context.Context, s *app.Session) error {
				n, err := s.Orchestrator.Rewind(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: removed %d files\n", args[0], s.Dir.DataVersion, n)
				return err
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func newRedeliverCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "redeliver <source>",
		Short: "Retry downstream delivery of files whose delivery is missing or failed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], &flags, func(ctx context.Context, s *app.Session) error {
				res, err := s.Orchestrator.Redeliver(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: delivered %d, failed %d, end marker sent: %t\n",
					args[0], s.Dir.DataVersion, res.Delivered, res.Failed, res.EndDelivered)
				return err
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func printStats(cmd *cobra.Command, name string, s *app.Session) error {
	snap, err := s.Orchestrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	st := snap.Stats
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d files, %d ok, %d failed, %d pending, %d undelivered\n",
		name, s.Dir.DataVersion, st.Total, st.Succeeded, st.Failed, st.Pending, st.Undelivered)
	return err
}
