// Command pitchoverlay runs the real-time pitch estimation pipeline and its
// display surfaces.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pitchoverlay/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pitchoverlay: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pitchoverlay",
		Short: "Real-time pitch estimation with a live display",
		Long: `pitchoverlay captures audio, estimates the fundamental frequency of every
10 ms hop with a CREPE-style network and streams the result to display
clients over a websocket or to the terminal.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(
		newRunCmd(),
		newListenCmd(),
		newDevicesCmd(),
		newInspectCmd(),
		newWeightsCmd(),
	)
	return root
}

const defaultConfigPath = "pitchoverlay.yaml"

// loadConfig reads the --config file. The default path may be absent, in
// which case built-in defaults are used; an explicit path must exist.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, path string, err error) {
	path, _ = cmd.Flags().GetString("config")
	if _, statErr := os.Stat(path); statErr != nil && !cmd.Flags().Changed("config") {
		return config.Default(), "", nil
	}
	cfg, err = config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newLogger builds the process logger. The returned level variable lets the
// app change verbosity on config reload.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}
