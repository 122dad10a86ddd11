package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/catalog"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(typesCmd)
}

// statsCmd prints persisted provider usage
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show provider usage recorded under the workspace base directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		usage, err := ratelimit.LoadUsage(afero.NewOsFs(), cfg.Workspace.BaseDir)
		if err != nil {
			return fmt.Errorf("failed to read usage stats: %w", err)
		}
		renderUsage(cmd.OutOrStdout(), usage)
		return nil
	},
}

func renderUsage(w io.Writer, usage map[string]ratelimit.ProviderUsage) {
	if len(usage) == 0 {
		fmt.Fprintln(w, "No provider usage recorded yet.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Provider", "Requests", "Tokens", "Last Updated"})
	var requests, tokens int64
	for _, name := range ratelimit.SortedProviders(usage) {
		u := usage[name]
		requests += u.Requests
		tokens += u.Tokens
		tw.AppendRow(table.Row{name, u.Requests, u.Tokens, u.LastUpdated.Format("2006-01-02 15:04:05")})
	}
	tw.AppendFooter(table.Row{"Total", requests, tokens, ""})
	tw.Render()
}

// errorsCmd prints the error history of one workspace
var errorsCmd = &cobra.Command{
	Use:   "errors <workspace>",
	Short: "Show the error log of a project workspace",
	Long: `Show the failures recorded in a workspace's error log, with their kind,
severity and recovery suggestion.

Examples:
  foundry errors ./projects/api_servic_1_20260314_093000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := recovery.LoadHistory(afero.NewOsFs(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read error log: %w", err)
		}
		renderErrors(cmd.OutOrStdout(), records)
		return nil
	},
}

func renderErrors(w io.Writer, records []recovery.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No errors recorded.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Severity", "Kind", "Context", "Message", "Suggestion"})
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.Timestamp.Format("2006-01-02 15:04:05"),
			r.Severity,
			r.Kind,
			r.Context,
			r.Message,
			r.Suggestion,
		})
	}
	tw.Render()
}

// suggestCmd prints recovery guidance for one or all error kinds
var suggestCmd = &cobra.Command{
	Use:   "suggest [kind]",
	Short: "Show recovery suggestions for error kinds",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := recovery.Kinds()
		if len(args) == 1 {
			kind := recovery.Kind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown error kind %q", args[0])
			}
			kinds = []recovery.Kind{kind}
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Kind", "Suggestion"})
		for _, k := range kinds {
			tw.AppendRow(table.Row{k, recovery.Suggestion(k)})
		}
		tw.Render()
		return nil
	},
}

// typesCmd lists project types and their default teams
var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List project types and their default teams",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("failed to load role catalog: %w", err)
		}
		renderTypes(cmd.OutOrStdout(), cat)
		return nil
	},
}

func renderTypes(w io.Writer, cat *catalog.Catalog) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Project Type", "Team"})
	for _, name := range cat.ProjectTypes() {
		roles := cat.TeamRoles(name, nil)
		titles := make([]string, 0, len(roles))
		for _, r := range roles {
			if role, ok := cat.Role(r); ok {
				titles = append(titles, role.Title)
			} else {
				titles = append(titles, r)
			}
		}
		tw.AppendRow(table.Row{name, strings.Join(titles, ", ")})
	}
	tw.Render()
}
