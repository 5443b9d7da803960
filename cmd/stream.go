package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/client"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// NewStreamCmd creates the stream command with subcommands
func NewStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Open and stop device streams",
		Long: `Open and stop the media streams of an attached device. A device runs one
stream at a time: opening a new stream interrupts the current one.`,
	}

	cmd.AddCommand(newStreamOpenCmd())
	cmd.AddCommand(newStreamStopCmd())
	cmd.AddCommand(newStreamListCmd())
	cmd.AddCommand(newStreamDumpCmd())

	return cmd
}

type streamOpenOptions struct {
	Track  string
	Follow bool
	Output string
}

func newStreamOpenCmd() *cobra.Command {
	opts := &streamOpenOptions{}

	cmd := &cobra.Command{
		Use:   "open <serial> <url>",
		Short: "Open a stream on a device",
		Long: `Request a stream. The request returns at once; with --follow the stream's
events are printed until it closes, and Ctrl+C stops it.`,
		Args: cobra.ExactArgs(2),
		Example: `  arstream stream open emulator-5554 rtsp://192.168.42.1/live
  arstream stream open emulator-5554 rtsp://192.168.42.1/live --track front --follow
  arstream stream open emulator-5554 file:///sdcard/replay.h264 -F -o replay.h264`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreamOpen(cmd, args[0], args[1], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Track, "track", "t", "", "Track to stream (transport defined)")
	flags.BoolVarP(&opts.Follow, "follow", "F", false, "Print stream events until the stream closes")
	flags.StringVarP(&opts.Output, "output", "o", "", "With --follow, write received frames to this file")

	return cmd
}

func runStreamOpen(cmd *cobra.Command, serial, url string, opts *streamOpenOptions) error {
	out := cmd.OutOrStdout()
	c := newClient()

	opened, err := c.OpenStream(cmd.Context(), serial, url, opts.Track)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stream %s requested on %s\n", color.CyanString(opened.Stream.ID.String()), serial)
	if !opts.Follow {
		return nil
	}

	var frames io.Writer
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", opts.Output)
		}
		defer f.Close()
		frames = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := &eventPrinter{out: out, frames: frames}
	err = c.WatchStream(ctx, serial, opened.Stream.ID, frames != nil, printer.print)
	if ctx.Err() != nil {
		// Interrupted by the user: stop the stream before leaving
		if err := stopFollowedStream(c, serial, opened.Stream.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stream %s stop requested\n", opened.Stream.ID)
		return nil
	}
	if err != nil {
		// The watch was lost while the stream may still hold the device
		if stopErr := stopFollowedStream(c, serial, opened.Stream.ID); stopErr == nil {
			fmt.Fprintf(out, "Stream %s stop requested\n", opened.Stream.ID)
		}
		return err
	}
	printer.summary()
	return nil
}

func stopFollowedStream(c *client.Client, serial string, id stream.ID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.StopStream(ctx, serial, id)
}

// eventPrinter writes stream events as lines and frames to an optional file.
type eventPrinter struct {
	out    io.Writer
	frames io.Writer

	frameCount int
	byteCount  int
}

func (p *eventPrinter) print(ev pipeline.Event) error {
	switch ev.Type {
	case pipeline.EventData:
		p.frameCount++
		p.byteCount += len(ev.Frame)
		if p.frames != nil {
			if _, err := p.frames.Write(ev.Frame); err != nil {
				return errors.Wrap(err, "failed to write frame")
			}
		}
	case pipeline.EventState:
		fmt.Fprintf(p.out, "%s %s %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Stream, stateColor(ev.State))
	case pipeline.EventClosed:
		fmt.Fprintf(p.out, "%s %s %s %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Stream, stateColor(stream.StateClosed.String()), reasonColor(ev.Reason))
	}
	return nil
}

func (p *eventPrinter) summary() {
	if p.frames == nil {
		return
	}
	fmt.Fprintf(p.out, "Received %s, %d bytes\n", formatCount(p.frameCount, "frame"), p.byteCount)
}

func stateColor(state string) string {
	switch state {
	case stream.StateOpen.String():
		return color.GreenString(state)
	case stream.StateOpening.String(), stream.StateClosing.String():
		return color.YellowString(state)
	default:
		return color.New(color.Faint).Sprint(state)
	}
}

func reasonColor(reason string) string {
	switch reason {
	case stream.ReasonUserRequested.String(), stream.ReasonInterrupted.String():
		return reason
	default:
		return color.RedString(reason)
	}
}

func parseStreamArg(s string) (stream.ID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || n == 0 {
		return 0, errors.Errorf("invalid stream id %q", s)
	}
	return stream.ID(n), nil
}

func newStreamStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <serial> <stream-id>",
		Short: "Stop a stream",
		Long:  `Request a stream to stop. Stopping a closed stream is a no-op.`,
		Args:  cobra.ExactArgs(2),
		Example: `  arstream stream stop emulator-5554 3
  arstream stream stop emulator-5554 '#3'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamArg(args[1])
			if err != nil {
				return err
			}
			if err := newClient().StopStream(cmd.Context(), args[0], id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stream %s stop requested\n", id)
			return nil
		},
	}
}

func newStreamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <serial>",
		Aliases: []string{"ls"},
		Short:   "List the streams of a device",
		Args:    cobra.ExactArgs(1),
		Example: `  arstream stream list emulator-5554`,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListStreams(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStreams(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printStreams(w io.Writer, list client.StreamList) {
	rows := make([]map[string]string, 0, len(list.Streams))
	for _, s := range list.Streams {
		rows = append(rows, streamRow(s))
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "ID", Key: "id"},
		{Header: "STATE", Key: "state"},
		{Header: "REASON", Key: "reason"},
		{Header: "TRACK", Key: "track"},
		{Header: "URL", Key: "url"},
	}, rows)
	fmt.Fprintf(w, "\n%s\n", formatCount(len(list.Streams), "stream"))
}

func streamRow(s handlers.StreamDTO) map[string]string {
	reason := ""
	if s.Reason != "" {
		reason = reasonColor(s.Reason)
	}
	return map[string]string{
		"id":     s.ID.String(),
		"state":  stateColor(s.State),
		"reason": reason,
		"track":  s.Track,
		"url":    s.URL,
	}
}

func newStreamDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "dump <serial>",
		Short:   "Print the controller slots of a device",
		Long:    `Print the current and pending streams of a device's stream controller.`,
		Args:    cobra.ExactArgs(1),
		Example: `  arstream stream dump emulator-5554`,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListStreams(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), list.Snapshot.String())
			return nil
		},
	}
}
