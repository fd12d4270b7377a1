package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"controlnav/internal/navigation"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

// simulateStep is one line of simulate output.
type simulateStep struct {
	Action      string `json:"action"`
	Intercepted *bool  `json:"intercepted,omitempty"`
	Moved       *bool  `json:"moved,omitempty"`
	BasePath    string `json:"base_path"`
	Tab         string `json:"tab"`
	URL         string `json:"url"`
}

func newSimulateCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <url> [href|back|forward]...",
		Short: "Replay clicks and history traversal against an in-memory history",
		Long: "simulate hydrates a controller on url, then applies each step in order:\n" +
			"\"back\" and \"forward\" traverse history, anything else is a primary click on that href.\n" +
			"Each step prints the resulting state as a JSON line.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			nav, err := navigationOptions(cfg)
			if err != nil {
				return err
			}
			nav.Logger = pslog.Ctx(cmd.Context())
			return runSimulate(cmd, nav, args[0], args[1:])
		},
	}
}

func runSimulate(cmd *cobra.Command, nav navigation.Options, rawURL string, steps []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	initial, origin, err := splitStartURL(rawURL)
	if err != nil {
		return err
	}

	port := navigation.NewMemoryPort(initial, origin)
	ctrl := navigation.New(port, nav)
	defer ctrl.Close()

	if err := ctrl.Hydrate(ctx); err != nil {
		return err
	}
	if err := writeJSON(cmd, snapshot(ctrl, "hydrate")); err != nil {
		return err
	}

	for _, step := range steps {
		var out simulateStep
		switch strings.ToLower(step) {
		case "back", "forward":
			moved := port.Back
			if strings.EqualFold(step, "forward") {
				moved = port.Forward
			}
			ok := moved()
			out = snapshot(ctrl, strings.ToLower(step))
			out.Moved = &ok
		default:
			intercepted, err := ctrl.OnNavItemClick(ctx, step, navigation.ClickEvent{})
			if err != nil {
				return fmt.Errorf("click %s: %w", step, err)
			}
			out = snapshot(ctrl, "click "+step)
			out.Intercepted = &intercepted
		}
		if err := writeJSON(cmd, out); err != nil {
			return err
		}
	}

	loc := ctrl.Location()
	return writeJSON(cmd, map[string]interface{}{
		"url":            loc.URL(),
		"token_hydrated": ctrl.Settings().HasToken(),
	})
}

func snapshot(ctrl *navigation.Controller, action string) simulateStep {
	state := ctrl.CurrentState()
	return simulateStep{
		Action:   action,
		BasePath: state.BasePath,
		Tab:      state.Tab,
		URL:      ctrl.Location().URL(),
	}
}

// splitStartURL accepts an absolute URL or a bare "path?query".
func splitStartURL(raw string) (initial, origin string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("url is required")
	}
	if strings.HasPrefix(raw, "/") {
		return raw, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("url %q must be absolute or start with /", raw)
	}
	initial = u.EscapedPath()
	if u.RawQuery != "" {
		initial += "?" + u.RawQuery
	}
	return initial, u.Scheme + "://" + u.Host, nil
}
