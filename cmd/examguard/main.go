package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/config"
	"github.com/kikiluvv/examguard/internal/logging"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	logFormat string
)

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", h)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "examguard",
	Short:         "examguard - exam recording proctoring analysis",
	Long:          "Scores exam recordings frame by frame for gaze, head movement, talking and forbidden objects, and issues a verdict per session.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		format := logFormat
		if format == "" {
			format = cfg.LogFormat
		}
		logging.Init(verbose, format)

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log output: console or json")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(configCmd)
}
