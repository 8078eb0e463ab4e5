package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"ArenaIngest/internal/app"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/usecase"
)

// opener builds the application lazily, so help and flag errors need no database.
type opener func(ctx context.Context) (*app.Application, error)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(open opener, out io.Writer) *cli.App {
	a := &cli.App{
		Name:    "arenaingest",
		Usage:   "Collect public-discourse records from configured arenas",
		Version: Version,
		Writer:  out,
		Commands: []*cli.Command{
			collectCmd(open, out),
			dedupCmd(open, out),
			capabilitiesCmd(open, out),
			credentialsCmd(open, out),
			migrateCmd(open, out),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return a
}

func withApp(c *cli.Context, open opener, fn func(*app.Application) error) error {
	application, err := open(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer application.Close()
	return fn(application)
}

// collectCmd creates the collect command.
func collectCmd(open opener, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Run queries against every enabled provider and store the results",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "terms", Aliases: []string{"t"}, Usage: "Comma-separated search terms"},
			&cli.StringFlag{Name: "actors", Aliases: []string{"a"}, Usage: "Comma-separated actor ids"},
			&cli.StringFlag{Name: "tier", Value: string(domain.TierFree), Usage: "Tier: free|medium|premium"},
			&cli.StringFlag{Name: "from", Usage: "Range start (YYYY-MM-DD or RFC 3339)"},
			&cli.StringFlag{Name: "to", Usage: "Range end, exclusive (YYYY-MM-DD or RFC 3339)"},
			&cli.StringFlag{Name: "platforms", Aliases: []string{"p"}, Usage: "Comma-separated target platforms"},
			&cli.StringFlag{Name: "scope", Value: domain.DefaultScope, Usage: "Project scope"},
			&cli.StringFlag{Name: "queries", Aliases: []string{"f"}, Usage: "YAML file with a list of queries (overrides the other flags)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
		},
		Action: func(c *cli.Context) error {
			queries, err := queriesFromContext(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return withApp(c, open, func(application *app.Application) error {
				if err := application.Migrate(c.Context); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				report, err := application.Collect(c.Context, queries)
				if c.Bool("json") {
					if jerr := outputJSON(out, report); jerr != nil {
						return jerr
					}
				} else {
					renderReport(out, report)
				}
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				return nil
			})
		},
	}
}

// dedupCmd creates the dedup command.
func dedupCmd(open opener, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "dedup",
		Usage: "Re-run deduplication over stored records of a scope and time window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Value: domain.DefaultScope, Usage: "Project scope"},
			&cli.StringFlag{Name: "from", Required: true, Usage: "Window start (YYYY-MM-DD or RFC 3339)"},
			&cli.StringFlag{Name: "to", Required: true, Usage: "Window end, exclusive (YYYY-MM-DD or RFC 3339)"},
		},
		Action: func(c *cli.Context) error {
			from, err := parseTime(c.String("from"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			to, err := parseTime(c.String("to"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if !from.Before(to) {
				return cli.Exit("--from must be before --to", 1)
			}
			return withApp(c, open, func(application *app.Application) error {
				report, err := application.DedupWindow(c.Context, c.String("scope"), from, to)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				t := newTable(out)
				t.AppendHeader(table.Row{"Records", "Clusters", "Duplicates", "Incomplete"})
				t.AppendRow(table.Row{report.Records, report.Clusters, report.Duplicates, report.Incomplete})
				t.Render()
				return nil
			})
		},
	}
}

// capabilitiesCmd creates the capabilities command.
func capabilitiesCmd(open opener, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List enabled providers and what they support",
		Action: func(c *cli.Context) error {
			return withApp(c, open, func(application *app.Application) error {
				t := newTable(out)
				t.AppendHeader(table.Row{"Platform", "Arena", "Content", "Tiers", "Temporal", "Credential", "Terms", "Actors"})
				for _, caps := range application.Capabilities() {
					tiers := make([]string, len(caps.SupportedTiers))
					for i, tier := range caps.SupportedTiers {
						tiers[i] = string(tier)
					}
					credential := string(caps.CredentialKind)
					if credential == "" {
						credential = "-"
					}
					t.AppendRow(table.Row{
						caps.Platform, caps.Arena, caps.ContentType, strings.Join(tiers, ","),
						caps.TemporalMode, credential, caps.SupportsTerms, caps.SupportsActors,
					})
				}
				t.Render()
				return nil
			})
		},
	}
}

// credentialsCmd creates the credentials command.
func credentialsCmd(open opener, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "Show pooled credentials and their state",
		Action: func(c *cli.Context) error {
			return withApp(c, open, func(application *app.Application) error {
				t := newTable(out)
				t.AppendHeader(table.Row{"ID", "Kind", "State", "Cooldown until"})
				for _, e := range application.CredentialStates() {
					until := ""
					if !e.CooldownUntil.IsZero() {
						until = e.CooldownUntil.Format(time.DateTime)
					}
					t.AppendRow(table.Row{e.ID, e.Kind, e.State, until})
				}
				t.Render()
				return nil
			})
		},
	}
}

// migrateCmd creates the migrate command.
func migrateCmd(open opener, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the record store schema",
		Action: func(c *cli.Context) error {
			return withApp(c, open, func(application *app.Application) error {
				if err := application.Migrate(c.Context); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				fmt.Fprintln(out, "schema is up to date")
				return nil
			})
		},
	}
}

func queriesFromContext(c *cli.Context) ([]domain.Query, error) {
	if path := c.String("queries"); path != "" {
		return loadQueries(path)
	}

	q := domain.Query{
		Terms:           splitList(c.String("terms")),
		ActorIDs:        splitList(c.String("actors")),
		Tier:            domain.ParseTier(c.String("tier")),
		TargetPlatforms: splitList(c.String("platforms")),
		Scope:           c.String("scope"),
	}
	if len(q.Terms) == 0 && len(q.ActorIDs) == 0 {
		return nil, fmt.Errorf("either --terms, --actors or --queries is required")
	}

	var r domain.Range
	var err error
	if v := c.String("from"); v != "" {
		if r.From, err = parseTime(v); err != nil {
			return nil, err
		}
	}
	if v := c.String("to"); v != "" {
		if r.To, err = parseTime(v); err != nil {
			return nil, err
		}
	}
	if !r.IsTrivial() {
		q.DateRange = &r
	}
	return []domain.Query{q}, nil
}

func loadQueries(path string) ([]domain.Query, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	var queries []domain.Query
	if err := yaml.Unmarshal(raw, &queries); err != nil {
		return nil, fmt.Errorf("parse queries %s: %w", path, err)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%s holds no queries", path)
	}
	for i := range queries {
		queries[i].Tier = domain.ParseTier(string(queries[i].Tier))
	}
	return queries, nil
}

// parseTime accepts a calendar date (UTC midnight) or an RFC 3339 timestamp.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC 3339", v)
	}
	return t, nil
}

// splitList parses comma-separated input, trimming whitespace and dropping empties.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func renderReport(out io.Writer, report usecase.Report) {
	t := newTable(out)
	t.SetTitle("run " + report.Summary.RunID)
	t.AppendHeader(table.Row{"Platform", "Requested", "Collected", "Malformed", "Errors", "Outcome"})
	for _, name := range slices.Sorted(maps.Keys(report.Summary.Platforms)) {
		p := report.Summary.Platforms[name]
		t.AppendRow(table.Row{name, p.Requested, p.Collected, p.SkippedMalformed, formatErrors(p.ErrorsByClass), p.Outcome})
	}
	t.AppendFooter(table.Row{"received", report.Received, "inserted", report.Inserted, "duplicates", report.Duplicates.Duplicates})
	t.Render()

	for _, name := range slices.Sorted(maps.Keys(report.Summary.Platforms)) {
		for _, w := range report.Summary.Platforms[name].Warnings {
			fmt.Fprintf(out, "warning: %s: %s\n", name, w)
		}
	}
}

func formatErrors(errs map[domain.FailureClass]int) string {
	if len(errs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(errs))
	for _, class := range slices.Sorted(maps.Keys(errs)) {
		parts = append(parts, fmt.Sprintf("%s=%d", class, errs[class]))
	}
	return strings.Join(parts, " ")
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

// outputJSON writes v as indented JSON.
func outputJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
