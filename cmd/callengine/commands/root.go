package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "callengine",
	Short: "Voice conversation gateway",
	Long: `callengine - a websocket gateway that runs voice conversations.

Each inbound call stream is transcribed, classified, answered by an
LLM turn generator, and handed back for playback, with barge-in
handling throughout.

Configuration is read from CALLENGINE_* environment variables.
A .env file in the working directory is loaded when present.

Examples:
  callengine serve
  callengine classify "what's on my calendar tomorrow"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "callengine: loading .env: %v\n", err)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
