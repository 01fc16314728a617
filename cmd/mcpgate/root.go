package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/mcpgate"
	"github.com/ashita-ai/mcpgate/internal/config"
)

func newRootCmd(version string) *cobra.Command {
	var transport string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if transport != "" {
			cfg.Server.Transport = transport
		}
		opts := []mcpgate.Option{mcpgate.WithConfig(cfg)}
		if version != "dev" {
			opts = append(opts, mcpgate.WithVersion(version))
		}
		app, err := mcpgate.New(opts...)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context())
	}

	root := &cobra.Command{
		Use:   "mcpgate",
		Short: "MCP server with per-operation ABAC authorization",
		Long: `mcpgate serves MCP tools and resources and asks an external policy
decision point before every tool call, tool listing and resource read.

Running mcpgate without a subcommand is the same as "mcpgate serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server on the configured transport until interrupted.

Examples:
  mcpgate serve
  MCPGATE_PDP_URL=http://opa:8181 mcpgate serve --transport http`,
		Args: cobra.NoArgs,
		RunE: serve,
	}
	for _, c := range []*cobra.Command{root, serveCmd} {
		c.Flags().StringVarP(&transport, "transport", "t", "",
			fmt.Sprintf("Transport: %s or %s (default from MCPGATE_TRANSPORT)", config.TransportStdio, config.TransportHTTP))
	}

	root.AddCommand(serveCmd, newCheckCmd(), newTokenCmd(), newHashKeyCmd(), newCompletionCmd(root))
	return root
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for mcpgate.

Bash:
  source <(mcpgate completion bash)

Zsh:
  mcpgate completion zsh > "${fpath[1]}/_mcpgate"

Fish:
  mcpgate completion fish > ~/.config/fish/completions/mcpgate.fish

PowerShell:
  mcpgate completion powershell | Out-String | Invoke-Expression`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unknown shell: %s", args[0])
			}
		},
	}
}
