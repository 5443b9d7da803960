package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

const (
	TransportWebSocket = "ws"
	TransportMux       = "mux"
)

func init() {
	v = viper.New()

	v.SetDefault("arstream.home", filepath.Join(xdg.Home, ".arstream"))

	// Local API server
	v.SetDefault("server.port", 29888)
	v.SetDefault("server.url", "")

	// adb server used to discover devices
	v.SetDefault("adb.port", 5037)
	v.SetDefault("adb.watch", true)

	// Streams
	v.SetDefault("stream.transport", TransportWebSocket)
	v.SetDefault("stream.mux.addr", "127.0.0.1:27183")
	v.SetDefault("stream.open_timeout", 10*time.Second)
	v.SetDefault("stream.teardown_timeout", 5*time.Second)
	v.SetDefault("stream.event_buffer", 64)

	// Device agent
	v.SetDefault("agent.listen", ":27183")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("arstream.home", "ARSTREAM_HOME")
	v.BindEnv("server.port", "ARSTREAM_PORT")
	v.BindEnv("server.url", "ARSTREAM_URL")
	v.BindEnv("adb.port", "ADB_PORT")
	v.BindEnv("stream.transport", "ARSTREAM_TRANSPORT")
	v.BindEnv("stream.mux.addr", "ARSTREAM_MUX_ADDR")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.arstream",
		"/etc/arstream",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetHome returns the arstream home directory
func GetHome() string {
	return v.GetString("arstream.home")
}

// GetLogDir returns the directory server logs are written to
func GetLogDir() string {
	return filepath.Join(GetHome(), "logs")
}

// GetServerPort returns the local API server port
func GetServerPort() int {
	return v.GetInt("server.port")
}

// GetServerURL returns the URL the CLI uses to reach the API server
func GetServerURL() string {
	if url := v.GetString("server.url"); url != "" {
		return url
	}
	return fmt.Sprintf("http://localhost:%d", GetServerPort())
}

// GetAdbPort returns the adb server port
func GetAdbPort() int {
	return v.GetInt("adb.port")
}

// GetAdbWatch reports whether device hot plug is followed through adb
func GetAdbWatch() bool {
	return v.GetBool("adb.watch")
}

// GetStreamTransport returns the stream transport name, ws or mux
func GetStreamTransport() string {
	return v.GetString("stream.transport")
}

// GetMuxAddr returns the device agent address used by the mux transport
func GetMuxAddr() string {
	return v.GetString("stream.mux.addr")
}

func GetOpenTimeout() time.Duration {
	return v.GetDuration("stream.open_timeout")
}

func GetTeardownTimeout() time.Duration {
	return v.GetDuration("stream.teardown_timeout")
}

// GetEventBuffer returns how many events a slow stream watcher may lag behind
func GetEventBuffer() int {
	return v.GetInt("stream.event_buffer")
}

// GetAgentListen returns the address the device agent listens on
func GetAgentListen() string {
	return v.GetString("agent.listen")
}
