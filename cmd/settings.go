package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/swarm/internal/config"
	"github.com/surge-downloader/swarm/internal/render"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the allocator settings",
	Long:  fmt.Sprintf("Show the settings read from %s, defaults where unset.", config.GetSettingsPath()),
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return printSettings(cmd.OutOrStdout(), loadSettings(), asJSON)
	},
}

var settingsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default settings file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveSettings(config.DefaultSettings()); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", config.GetSettingsPath())
		return nil
	},
}

func init() {
	settingsCmd.Flags().Bool("json", false, "Print raw JSON")
	settingsCmd.AddCommand(settingsInitCmd)
	rootCmd.AddCommand(settingsCmd)
}

func printSettings(w io.Writer, s *config.Settings, asJSON bool) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if asJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}

	metadata := config.GetSettingsMetadata()
	for _, category := range config.CategoryOrder() {
		fmt.Fprintln(w, render.TitleStyle.Render(category))
		section := raw[strings.ToLower(category)]
		for _, meta := range metadata[category] {
			value := formatSetting(meta, section[meta.Key])
			fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
				render.LabelStyle.Width(24).Render(meta.Label),
				render.ValueStyle.Width(16).Render(value),
				render.LabelStyle.UnsetWidth().Render(meta.Description)))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func formatSetting(meta config.SettingMeta, v any) string {
	switch meta.Type {
	case "duration":
		if n, ok := v.(float64); ok {
			return fmt.Sprint(time.Duration(int64(n)))
		}
	case "string":
		if s, ok := v.(string); ok && s == "" {
			return "(none)"
		}
	}
	return fmt.Sprint(v)
}
