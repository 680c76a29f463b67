package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the hub's configuration from file and environment
// variables. It never fails: missing files and missing env vars simply
// fall back to the defaults below, matching the teacher's boot sequence.
func Load(cfgFile string) {
	// explicit .env loading, ahead of viper, non-fatal if absent
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AGENT_HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Core
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("http_port", 8420)
	viper.SetDefault("metrics_port", 9420)
	viper.SetDefault("verbose", false)

	// Identity (§4.5)
	viper.SetDefault("identity.uid", -1)
	viper.SetDefault("identity.gid", -1)
	viper.SetDefault("identity.username", "")
	viper.SetDefault("identity.supplementary_gids", []int{})
	viper.SetDefault("identity.shared_root", "")

	// Git author identity propagated into every launched runtime (§4.14)
	viper.SetDefault("git_user_name", "Agent Hub")
	viper.SetDefault("git_user_email", "agent-hub@localhost")

	// Auth provider endpoints (§4.4, §6)
	viper.SetDefault("github_app.web_base_url", "https://github.com")
	viper.SetDefault("github_app.api_base_url", "https://api.github.com")
	viper.SetDefault("openai.api_base_url", "https://api.openai.com")
	viper.SetDefault("openai.login_image", "ghcr.io/openai/codex-universal:latest")

	// Callback base URL the hub advertises to launched containers and
	// browser OAuth redirects; empty means "derive from http_port".
	viper.SetDefault("public_base_url", "")

	// Title Generator (§4.9)
	viper.SetDefault("chat_title_model", "gpt-4.1-mini")

	// Auto-Configure Worker (§4.12)
	viper.SetDefault("auto_config_timeout_seconds", 300)
	viper.SetDefault("auto_config_image", "ghcr.io/openai/codex-universal:latest")

	// Notification defaults, enriched beyond spec.md — see SPEC_FULL.md
	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#agent-hub")
	viper.SetDefault("notifications.slack.events.build_failed", true)
	viper.SetDefault("notifications.slack.events.chat_failed", true)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if werr := viper.SafeWriteConfig(); werr != nil {
			if _, statErr := os.Stat("config.yaml"); os.IsNotExist(statErr) {
				if werr2 := viper.WriteConfigAs("config.yaml"); werr2 != nil {
					fmt.Fprintf(os.Stderr, "Warning: Failed to create default config file: %v\n", werr2)
				} else {
					fmt.Println("Created default configuration file: config.yaml")
				}
			}
		} else {
			fmt.Println("Created default configuration file: config.yaml")
		}
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.agent-hub"
	}
	return ".agent-hub"
}
