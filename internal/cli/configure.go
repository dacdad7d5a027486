package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/badibam/assistant-sub007/internal/config"
	"github.com/badibam/assistant-sub007/pkg/provider"
)

var (
	configureProvider string
	configureAPIKey   string
	configureModel    string
	configureForce    bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a configuration file with default engine settings and one model
provider. Existing files are kept unless --force is given.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "anthropic", "model provider (anthropic, openai)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "provider API key")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "model name (provider default when empty)")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Providers = []provider.Profile{{
		ID:       configureProvider,
		Provider: configureProvider,
		APIKey:   configureAPIKey,
		Model:    configureModel,
	}}
	cfg.DefaultProvider = configureProvider

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	cmd.Println("Start a conversation with: assistant chat")
	return nil
}
