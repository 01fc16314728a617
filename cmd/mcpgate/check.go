package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/mcpgate/internal/config"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/pdp"
)

// exitDenied is the exit status of a check the PDP did not allow.
const exitDenied = 2

func newCheckCmd() *cobra.Command {
	var (
		role    string
		user    string
		agent   string
		action  string
		attrs   map[string]string
		pdpURL  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the policy decision point about one operation",
		Long: `Send a single authorization query to the configured PDP and print the verdict.
Exits 0 when allowed and 2 when denied. An unreachable PDP is a denial.

Examples:
  mcpgate check --role guest --attr tool_name=server_info
  mcpgate check --role admin --action resources/read --attr resource_path=mcpgate://server/info`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if pdpURL != "" {
				cfg.PDP.URL = pdpURL
			}
			if timeout > 0 {
				cfg.PDP.Timeout = timeout
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			client, err := pdp.New(cfg.PDP.URL, cfg.PDP.Timeout, nil, logger)
			if err != nil {
				return err
			}

			p := model.Principal{UserID: user, Role: model.ParseRole(role), AgentID: agent}
			v := client.Check(cmd.Context(), p, model.Action(action), model.Resource(attrs))

			out := cmd.OutOrStdout()
			label := color.New(color.FgGreen, color.Bold).Sprint("ALLOW")
			if !v.Allowed() {
				label = color.New(color.FgRed, color.Bold).Sprint("DENY")
			}
			fmt.Fprintf(out, "%s %s %s as %s/%s\n", label, action, model.Resource(attrs).Describe(), p.Role, user)
			if detail := v.Detail(); detail != "" {
				fmt.Fprintf(out, "  %s %s\n", color.New(color.Faint).Sprint("reason:"), detail)
			}

			if !v.Allowed() {
				return &exitError{code: exitDenied}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&role, "role", string(model.RoleGuest), "Principal role")
	f.StringVar(&user, "user", model.AnonymousUserID, "Principal user ID")
	f.StringVar(&agent, "agent", "mcpgate-cli", "Principal agent ID")
	f.StringVar(&action, "action", string(model.ActionToolsCall), "Action: tools/call, tools/list or resources/read")
	f.StringToStringVar(&attrs, "attr", nil, "Resource attribute as key=value (repeatable)")
	f.StringVar(&pdpURL, "pdp-url", "", "PDP base URL (default from MCPGATE_PDP_URL)")
	f.DurationVar(&timeout, "timeout", 0, "PDP request timeout (default from MCPGATE_PDP_TIMEOUT)")
	return cmd
}
