package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/swarm/internal/config"
	"github.com/surge-downloader/swarm/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "swarm",
	Short:   "Segmented multi-source download engine",
	Long:    `Swarm allocates byte ranges of a file across many peer connections, racing slow chunks and fetching from partial sources.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		settings, err := config.LoadSettings()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not load settings, using defaults: %v\n", err)
			settings = config.DefaultSettings()
		}
		utils.InitLogger(debug || settings.General.Debug, cmd.ErrOrStderr())
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Log allocator decisions")
	rootCmd.SetVersionTemplate("Swarm version {{.Version}}\n")
}

// loadSettings returns the saved settings, falling back to defaults
func loadSettings() *config.Settings {
	settings, err := config.LoadSettings()
	if err != nil {
		utils.Debug("Error loading settings: %v", err)
		return config.DefaultSettings()
	}
	return settings
}

// shortID trims an ID for display
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
