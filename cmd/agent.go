package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/arstream/config"
	"github.com/babelcloud/gbox/packages/arstream/internal/agent"
)

// NewAgentCmd creates the device agent command
func NewAgentCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device side stream agent",
		Long: `Run the agent that serves media sources to the mux transport. It accepts
multiplexed connections from an arstream server and streams file:// and
http(s):// sources.`,
		SilenceUsage: true,
		Example: `  # Listen on the default address
  arstream agent

  # Listen on a specific address
  arstream agent --listen 127.0.0.1:27183`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s", listen)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Stream agent listening on"), color.CyanString(ln.Addr().String()))
			return agent.New(nil).Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", config.GetAgentListen(), "Address to listen on")

	return cmd
}
