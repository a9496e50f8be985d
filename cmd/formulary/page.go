package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"formulary/internal/page"
)

type pageFlags struct {
	agentURL  string
	statePath string
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentURL, "agent", "", "agent base URL (default http://localhost:<server.port>)")
	cmd.Flags().StringVar(&f.statePath, "state", "./data/page", "directory for the recently viewed list")
}

func openPage(v *viper.Viper, f *pageFlags) (*page.App, *page.RecentStore, *zap.Logger, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(v, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Dataset.URL == "" {
		return nil, nil, nil, fmt.Errorf("dataset.url is not configured")
	}
	agentURL := f.agentURL
	if agentURL == "" {
		agentURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	recent, err := page.OpenRecentStore(f.statePath)
	if err != nil {
		return nil, nil, nil, err
	}
	app, err := page.NewApp(page.Options{AgentURL: agentURL, DatasetURL: cfg.Dataset.URL}, recent, log)
	if err != nil {
		_ = recent.Close()
		return nil, nil, nil, err
	}
	return app, recent, log, nil
}

func newSearchCmd(v *viper.Viper) *cobra.Command {
	var (
		f     pageFlags
		quota bool
		view  string
	)
	cmd := &cobra.Command{
		Use:   "search [term]",
		Short: "Search the formulary through the agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, recent, _, err := openPage(v, &f)
			if err != nil {
				return err
			}
			defer recent.Close()

			if err := app.Refresh(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if view != "" {
				m, ok := app.View(view)
				if !ok {
					return fmt.Errorf("no medication named %q", view)
				}
				printDetails(out, m)
				return nil
			}
			if quota {
				for _, m := range app.State().Index.Quota() {
					printSummary(out, m)
				}
				return nil
			}
			if len(args) == 0 {
				for _, m := range app.State().Dataset {
					printSummary(out, m)
				}
				return nil
			}
			results := app.Search(args[0])
			if len(results) == 0 {
				_, _ = fmt.Fprintln(out, "No results found.")
				return nil
			}
			for _, r := range results {
				printSummary(out, r.Medication)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&quota, "quota", false, "list quota items only")
	cmd.Flags().StringVar(&view, "view", "", "show details of one medication by generic name")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var f pageFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a page open against the agent and follow dataset changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, recent, log, err := openPage(v, &f)
			if err != nil {
				return err
			}
			defer recent.Close()
			if err := app.Refresh(cmd.Context()); err != nil {
				log.Warn("initial load", zap.Error(err))
			}
			return app.Listen(cmd.Context())
		},
	}
	f.register(cmd)
	return cmd
}

func newSkipWaitingCmd(v *viper.Viper) *cobra.Command {
	var f pageFlags
	cmd := &cobra.Command{
		Use:   "skip-waiting",
		Short: "Ask the agent to activate its waiting generation now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, recent, _, err := openPage(v, &f)
			if err != nil {
				return err
			}
			defer recent.Close()
			return app.SkipWaiting(cmd.Context())
		},
	}
	f.register(cmd)
	return cmd
}

func printSummary(w io.Writer, m page.Medication) {
	line := fmt.Sprintf("%s | %s | %s", m.GenericName(), m.Category(), m.Group())
	if m.Quota {
		line += " | QUOTA"
	}
	_, _ = fmt.Fprintln(w, line)
}

func printDetails(w io.Writer, m page.Medication) {
	_, _ = fmt.Fprintln(w, m.GenericName())
	_, _ = fmt.Fprintln(w, strings.Repeat("-", len(m.GenericName())))
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s: %s\n", k, m.Fields[k])
	}
	if m.Quota {
		_, _ = fmt.Fprintln(w, "This is a Quota Item.")
	}
}
