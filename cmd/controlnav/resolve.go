package main

import (
	"encoding/json"
	"fmt"

	"controlnav/internal/routing"

	"github.com/spf13/cobra"
)

func newResolveCmd(flags *configFlags) *cobra.Command {
	var basePath, fallback string
	cmd := &cobra.Command{
		Use:   "resolve <pathname>",
		Short: "Print the base path and tab a pathname resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if fallback != "" {
				cfg.Navigation.Fallback = fallback
			}
			nav, err := navigationOptions(cfg)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = nav.Override
			}

			resolver := routing.Resolver{Tabs: nav.Tabs, Fallback: nav.Fallback}
			state, matched := resolver.Match(args[0], basePath)
			out := map[string]interface{}{
				"pathname":  args[0],
				"base_path": state.BasePath,
				"tab":       state.Tab,
				"matched":   matched,
			}
			if tab, ok := nav.Tabs.Lookup(state.Tab); ok {
				out["tab_path"] = routing.PathForTab(tab, state.BasePath)
			}
			return writeJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&basePath, "base-path", "", "Use this mount prefix instead of inferring it")
	cmd.Flags().StringVar(&fallback, "fallback", "", "Base path for unknown paths: path or empty")
	return cmd
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
