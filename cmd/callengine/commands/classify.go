package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sonavoice/callengine/pkg/intent"
)

var classifyTablePath string

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Classify a transcript against the intent table",
	Long: `Classify a transcript against the intent signal table and print
the result as JSON.

Uses the built-in signal table unless --table (or
CALLENGINE_INTENT_TABLE) points at a YAML signal file.

Examples:
  callengine classify "what's on my calendar tomorrow"
  callengine classify --table signals.yaml "goodbye"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := classifyTablePath
		if path == "" {
			path = os.Getenv("CALLENGINE_INTENT_TABLE")
		}

		var signals []intent.Signal
		if path != "" {
			loaded, err := intent.LoadSignals(path)
			if err != nil {
				return fmt.Errorf("load intent table: %w", err)
			}
			signals = loaded
		}

		router := intent.NewRouter(signals)
		result := router.Classify(strings.Join(args, " "))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyTablePath, "table", "", "YAML intent signal table")
	rootCmd.AddCommand(classifyCmd)
}
