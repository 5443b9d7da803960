package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/arstream/config"
	"github.com/babelcloud/gbox/packages/arstream/internal/client"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
	"github.com/babelcloud/gbox/packages/arstream/internal/version"
)

var (
	verbose   bool
	serverURL string
)

// NewRootCmd builds the arstream command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arstream",
		Short: "ARStream device stream controller",
		Long: `arstream runs a local server that owns one stream pipeline per attached device.
Opening a stream on a busy device interrupts the current one; the newest request wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Info()
				fmt.Fprintf(cmd.OutOrStdout(), "arstream version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "arstream server URL (default from config)")

	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewDeviceCmd())
	rootCmd.AddCommand(NewStreamCmd())
	rootCmd.AddCommand(NewAgentCmd())

	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

// newClient returns a client for --server or the configured server URL.
func newClient() *client.Client {
	if serverURL != "" {
		return client.New(serverURL)
	}
	return client.New(config.GetServerURL())
}
