package main

import (
	"context"
	"log"
	"os"

	"controlnav/internal/config"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("controlnav command failed")
		return 1
	}
	return 0
}

// configFlags are shared by every command that reads configuration.
type configFlags struct {
	path         string
	workspaceDir string
	noWorkspace  bool
}

func (f *configFlags) load() (config.Config, string, error) {
	return config.LoadWithWorkspace(f.path, config.WorkspaceOptions{
		Disable:     f.noWorkspace,
		ExplicitDir: f.workspaceDir,
	})
}

func newRootCmd() *cobra.Command {
	flags := &configFlags{}
	root := &cobra.Command{
		Use:           "controlnav",
		Short:         "Control UI navigation resolver and MCP server",
		Version:       config.DefaultConfig().Server.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.path, "config", "", "Path to a config file layered over the workspace config")
	root.PersistentFlags().StringVar(&flags.workspaceDir, "workspace-dir", "", "Use this directory's "+config.WorkspaceDirName+" instead of searching upwards")
	root.PersistentFlags().BoolVar(&flags.noWorkspace, "no-workspace", false, "Skip workspace config discovery")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newInitCmd())
	root.AddCommand(newResolveCmd(flags))
	root.AddCommand(newSimulateCmd(flags))
	return root
}
