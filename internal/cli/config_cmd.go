package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with defaults",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config as TOML (secrets redacted)",
	RunE:  runConfigShow,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key",
	Short: "Store the provider API key in .env.local (input hidden)",
	RunE:  runConfigSetKey,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetKeyCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := globalFlags.ConfigPath
	if path == "" {
		var err error
		path, err = config.Path()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists; pass --force to overwrite", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	fmt.Println("Set the provider API key with 'attache config set-key' or the provider's environment variable.")
	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}
	if cfg.Provider.APIKey != "" {
		cfg.Provider.APIKey = "<redacted>"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	fmt.Print(buf.String())
	return nil
}

func runConfigSetKey(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}

	key, err := ReadSecret(fmt.Sprintf("%s API key: ", cfg.Provider.Name))
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if key == "" {
		return errors.New("empty key, nothing saved")
	}

	envName := apiKeyEnvName(cfg.Provider.Name)
	if err := config.SaveSecret(envName, key); err != nil {
		return err
	}
	fmt.Printf("Saved %s to .env.local\n", envName)
	return nil
}

func apiKeyEnvName(providerName string) string {
	switch strings.ToLower(strings.TrimSpace(providerName)) {
	case "mistral":
		return "MISTRAL_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	}
	return "ATTACHE_API_KEY"
}
