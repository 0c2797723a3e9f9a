package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/source"
	"github.com/JakeFAU/procurement-harvester/internal/workspace"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func newStatusCmd() *cobra.Command {
	var (
		format      string
		sample      bool
		dataVersion string
	)
	cmd := &cobra.Command{
		Use:   "status [source]",
		Short: "Show the newest session of every source, or one session in detail.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case formatTable, formatJSON, formatYAML:
			default:
				return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
			}
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				summaries, err := a.Workspace().Summaries(cmd.Context())
				if err != nil {
					return err
				}
				if format == formatTable {
					return writeSummaryTable(out, summaries)
				}
				return encode(out, format, summaries)
			}
			snap, err := a.Workspace().Snapshot(cmd.Context(), args[0], sample, dataVersion)
			if err != nil {
				return err
			}
			if format == formatTable {
				return writeSnapshotTable(out, snap)
			}
			return encode(out, format, snap)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "output format: table, json or yaml")
	cmd.Flags().BoolVar(&sample, "sample", false, "show the sample session")
	cmd.Flags().StringVar(&dataVersion, "data-version", workspace.Latest, "data version to show")
	return cmd
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and the plugin kinds available.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			cfg := a.Config()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tKIND\tDATA TYPE\tBASE URL")
			for _, name := range sortedKeys(cfg.Sources) {
				src := cfg.Sources[name]
				dataType := src.DataType
				if dataType == "" {
					dataType = string(harvest.DataTypeReleasePackage)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, src.Kind, dataType, src.BaseURL)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "\nplugin kinds: %s\n", strings.Join(source.Kinds(), ", "))
			return err
		},
	}
}

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func writeSummaryTable(w io.Writer, summaries []harvest.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSAMPLE\tDATA VERSION\tGATHER\tFETCH\tTOTAL\tOK\tFAILED\tPENDING\tUNDELIVERED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.Source, s.Sample, s.DataVersion, s.GatherState, s.FetchState,
			s.Stats.Total, s.Stats.Succeeded, s.Stats.Failed, s.Stats.Pending, s.Stats.Undelivered)
	}
	return tw.Flush()
}

func writeSnapshotTable(w io.Writer, snap harvest.Snapshot) error {
	sess := snap.Session
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "source:\t%s\n", sess.Source)
	fmt.Fprintf(tw, "data version:\t%s\n", sess.DataVersion)
	fmt.Fprintf(tw, "sample:\t%t\n", sess.Sample)
	fmt.Fprintf(tw, "gather:\t%s\n", sess.GatherState())
	if sess.GatherError != "" {
		fmt.Fprintf(tw, "gather error:\t%s\n", sess.GatherError)
	}
	fmt.Fprintf(tw, "fetch:\t%s\n", sess.FetchState())
	fmt.Fprintf(tw, "files:\t%d total, %d ok, %d failed, %d pending, %d undelivered\n",
		snap.Stats.Total, snap.Stats.Succeeded, snap.Stats.Failed, snap.Stats.Pending, snap.Stats.Undelivered)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "FILENAME\tPRIORITY\tDATA TYPE\tSTATE\tDELIVERED\tERROR")
	for _, f := range snap.Files {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\n",
			f.Filename, f.Priority, f.DataType, fileState(f), f.DeliveredAt != nil, firstError(f))
	}
	return tw.Flush()
}

func fileState(f harvest.FileStatus) string {
	switch {
	case f.FetchSuccess:
		return "ok"
	case f.Pending():
		return "pending"
	default:
		return "failed"
	}
}

func firstError(f harvest.FileStatus) string {
	if len(f.FetchErrors) > 0 {
		return f.FetchErrors[0]
	}
	return f.DeliveryError
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
