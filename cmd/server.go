package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/arstream/config"
	"github.com/babelcloud/gbox/packages/arstream/internal/client"
	"github.com/babelcloud/gbox/packages/arstream/internal/procgroup"
	"github.com/babelcloud/gbox/packages/arstream/internal/server"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

const serviceName = "arstream-server"

var (
	ErrServerUnavailable = errors.New("server port unavailable")
	ErrServerMismatched  = errors.New("server mismatched")
)

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the arstream server",
		Long:  `Manage the local arstream server that owns the device stream controllers.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerStatusCmd())
	cmd.AddCommand(newServerRestartCmd())

	return cmd
}

func newServerStartCmd() *cobra.Command {
	var (
		port                   int
		foreground             bool
		internalDaemon         bool
		daemonStartLogFilename string
	)

	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the server",
		Long:          `Start the arstream server if it's not already running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if foreground {
				return runServerInForeground(port)
			}
			if internalDaemon {
				return runServerInBackground(port, daemonStartLogFilename)
			}
			return runServerInDaemon(port)
		},
		Example: `  # Start server in background
  arstream server start

  # Start server in foreground (see logs)
  arstream server start --foreground
  arstream server start -f

  # Start server on specific port
  arstream server start -p 8080`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&foreground, "foreground", "f", false, "Run server in foreground (show logs)")

	// Flag --internal-daemon is hidden in help message for internal use.
	flags.BoolVarP(&internalDaemon, "internal-daemon", "", false, "")
	flags.Lookup("internal-daemon").Hidden = true
	flags.StringVarP(&daemonStartLogFilename, "daemon-start-log-filename", "", "", "")
	flags.Lookup("daemon-start-log-filename").Hidden = true

	return cmd
}

func newServerStopCmd() *cobra.Command {
	var (
		port  int
		force bool
	)

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the server",
		Long:          `Stop the arstream server if it's running. Every attached device is detached first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopServer(port, force)
		},
		Example: `  # Stop the server
  arstream server stop

  # Stop server running on specified port
  arstream server stop -p 29888`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&force, "force", "f", false, "Ignore a missing or foreign server")

	return cmd
}

func newServerStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check server status",
		Long:  `Check if the arstream server is running and display its status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := localClient(port)
			if err := checkServerStatus(c); err != nil {
				fmt.Fprintln(out, "❌ Server is not running")
				fmt.Fprintln(out, "   Use 'arstream server start' to start the server")
				return nil
			}

			fmt.Fprintln(out, "✅ Server is running")
			fmt.Fprintf(out, "   API endpoint: http://localhost:%d/api/status\n", port)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			if status, err := c.Status(ctx); err == nil {
				fmt.Fprintf(out, "   Version: %v\n", status["version"])
				fmt.Fprintf(out, "   Uptime: %v\n", status["uptime"])
			}
			if devices, err := c.ListDevices(ctx); err == nil {
				fmt.Fprintf(out, "   Devices: %d\n", len(devices))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")

	return cmd
}

func newServerRestartCmd() *cobra.Command {
	var (
		port       int
		foreground bool
	)

	cmd := &cobra.Command{
		Use:           "restart",
		Short:         "Restart the server",
		Long:          `Stop and then start the arstream server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopServer(port, true); err != nil {
				return err
			}
			if foreground {
				return runServerInForeground(port)
			}
			return runServerInDaemon(port)
		},
		Example: `  # Restart the server
  arstream server restart

  # Restart in foreground mode
  arstream server restart -f`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&foreground, "foreground", "f", false, "Run server in foreground after restart (show logs)")

	return cmd
}

func localClient(port int) *client.Client {
	return client.New(fmt.Sprintf("http://localhost:%d", port))
}

// checkServerStatus reports whether an arstream server answers behind c.
func checkServerStatus(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	service, err := c.Health(ctx)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			return ErrServerMismatched
		}
		return ErrServerUnavailable
	}
	if service != serviceName {
		return ErrServerMismatched
	}
	return nil
}

// newServer builds the server from configuration.
func newServer(port int) (*server.ArstreamServer, error) {
	opts, err := server.KeeperOptionsFromConfig()
	if err != nil {
		return nil, err
	}
	adbPort := 0
	if config.GetAdbWatch() {
		adbPort = config.GetAdbPort()
	}
	return server.NewArstreamServer(port, adbPort, server.NewDeviceKeeper(opts)), nil
}

func runServerInDaemon(port int) error {
	if err := checkServerStatus(localClient(port)); err == nil {
		fmt.Printf("server has been already started on port %d\n", port)
		return nil
	} else if err == ErrServerMismatched {
		return errors.Wrapf(err, "port %d is already been used", port)
	}

	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to get executable")
	}

	daemonStartLogFilename := filepath.Join(os.TempDir(), "arstream-server-"+uuid.NewString())
	defer os.RemoveAll(daemonStartLogFilename)

	args := []string{"server", "start", "--port", strconv.Itoa(port), "--internal-daemon", "--daemon-start-log-filename", daemonStartLogFilename}
	if verbose {
		args = append(args, "--verbose")
	}
	cmd := exec.Command(executable, args...)
	procgroup.Detach(cmd)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start server daemon")
	}

	for range 3 {
		time.Sleep(time.Second)
		if err := checkServerStatus(localClient(port)); err != nil {
			startLog, err := os.ReadFile(daemonStartLogFilename)
			if err != nil || len(startLog) == 0 {
				continue
			}
			return errors.Errorf("fail to start server on port %d: %s", port, string(startLog))
		}
		break
	}

	fmt.Printf("server has been started on port %d\n", port)
	return nil
}

func runServerInBackground(port int, startLogFilename string) error {
	fail := func(err error) error {
		os.WriteFile(startLogFilename, []byte(err.Error()), 0600)
		return err
	}

	logDir := config.GetLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fail(errors.Wrapf(err, "failed to create log directory: %s", logDir))
	}
	logFile := filepath.Join(logDir, "server.log")
	logFd, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fail(errors.Wrapf(err, "failed to create log file: %s", logFile))
	}
	defer logFd.Close()

	util.InitLoggerTo(logFd, verbose)
	util.SetupGlobalLogger()

	s, err := newServer(port)
	if err != nil {
		return fail(err)
	}
	if err := s.Start(); err != nil {
		return fail(errors.Wrap(err, "failed to start server"))
	}
	// Waits for a shutdown request to finish detaching devices
	return s.Stop()
}

func stopServer(port int, force bool) error {
	c := localClient(port)
	if err := checkServerStatus(c); err != nil && !force {
		if err == ErrServerUnavailable {
			return errors.New("server is not running")
		}
		return errors.Wrapf(err, "port %d is already been used by other process", port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		if force {
			return nil
		}
		return err
	}

	// Wait for the devices to be detached
	for range 20 {
		time.Sleep(250 * time.Millisecond)
		if checkServerStatus(c) == ErrServerUnavailable {
			return nil
		}
	}
	return nil
}

func runServerInForeground(port int) error {
	if err := checkServerStatus(localClient(port)); err == nil {
		fmt.Printf("server has been already started on port %d\n", port)
		return nil
	} else if err == ErrServerMismatched {
		return errors.Wrapf(err, "port %d is already been used", port)
	}

	util.SetupGlobalLogger()

	s, err := newServer(port)
	if err != nil {
		return err
	}
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	for range 3 {
		time.Sleep(time.Second)
		if err := checkServerStatus(localClient(port)); err != nil {
			select {
			case startErr := <-errChan:
				return errors.Wrapf(startErr, "fail to start server on port %d", port)
			default:
				continue
			}
		}
		break
	}

	fmt.Printf("%s %s %s\n", color.GreenString("🚀 ARStream Local Server"), color.CyanString("➜"), color.BlueString("http://localhost:%d", port))
	fmt.Printf("(Running in foreground. Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errChan:
		// Stopped through the shutdown endpoint; Stop waits for the detach to finish
		s.Stop()
		return err
	}

	log.Println("Shutting down server...")
	if err := s.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	return nil
}
