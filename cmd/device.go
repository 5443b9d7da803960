package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// NewDeviceCmd creates the device command with subcommands
func NewDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage attached devices",
		Long:  `List, attach and detach the devices served by the arstream server.`,
	}

	cmd.AddCommand(newDeviceListCmd())
	cmd.AddCommand(newDeviceAttachCmd())
	cmd.AddCommand(newDeviceDetachCmd())

	return cmd
}

func newDeviceListCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List attached devices",
		Example: `  arstream device list
  arstream device ls --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := newClient().ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func printDevices(w io.Writer, devices []handlers.DeviceDTO, format string) error {
	if format == "json" {
		bytes, err := json.MarshalIndent(map[string]interface{}{"devices": devices}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(bytes))
		return nil
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices attached")
		color.New(color.Faint).Fprintln(w, "Devices appear when adb reports them online, or use 'arstream device attach <serial>'.")
		return nil
	}

	rows := make([]map[string]string, 0, len(devices))
	for _, d := range devices {
		streams := color.New(color.Faint).Sprint("idle")
		if d.Streams > 0 {
			streams = color.GreenString("%d active", d.Streams)
		}
		rows = append(rows, map[string]string{
			"serial":   color.CyanString(d.Serial),
			"session":  d.Session,
			"source":   d.Source,
			"attached": d.AttachedAt.Local().Format(time.DateTime),
			"streams":  streams,
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "SERIAL", Key: "serial"},
		{Header: "SESSION", Key: "session"},
		{Header: "SOURCE", Key: "source"},
		{Header: "ATTACHED", Key: "attached"},
		{Header: "STREAMS", Key: "streams"},
	}, rows)
	return nil
}

func newDeviceAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <serial>",
		Short: "Attach a device",
		Long:  `Attach a device by serial. Attaching an attached device returns its existing session.`,
		Args:  cobra.ExactArgs(1),
		Example: `  arstream device attach emulator-5554
  arstream device attach 192.168.1.20:5555`,
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := newClient().Attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s attached, session %s\n", color.CyanString(device.Serial), device.Session)
			return nil
		},
	}
}

func newDeviceDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <serial>",
		Short: "Detach a device",
		Long:  `Detach a device. Its streams are closed with reason DEVICE_DISCONNECTED.`,
		Args:  cobra.ExactArgs(1),
		Example: `  arstream device detach emulator-5554`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Detach(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s detached\n", color.CyanString(args[0]))
			return nil
		},
	}
}

func formatCount(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
