package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"agenthub/internal/apierr"
)

// ValidateConfig accumulates every configuration problem into a single
// CONFIG_ERROR instead of failing on the first, matching the teacher's
// ValidateConfig pattern.
func ValidateConfig() error {
	var problems []string

	if viper.IsSet("http_port") {
		if p := viper.GetInt("http_port"); p < 1 || p > 65535 {
			problems = append(problems, fmt.Sprintf("http_port must be between 1 and 65535, got: %d", p))
		}
	}
	if viper.IsSet("metrics_port") {
		if p := viper.GetInt("metrics_port"); p < 1 || p > 65535 {
			problems = append(problems, fmt.Sprintf("metrics_port must be between 1 and 65535, got: %d", p))
		}
	}

	uid := viper.GetInt("identity.uid")
	gid := viper.GetInt("identity.gid")
	if (uid >= 0) != (gid >= 0) {
		problems = append(problems, "identity.uid and identity.gid must both be set or both be left unset")
	}
	if uid < -1 || gid < -1 {
		problems = append(problems, "identity.uid and identity.gid must not be negative other than the unset sentinel -1")
	}

	if dd := viper.GetString("data_dir"); dd == "" {
		problems = append(problems, "data_dir must not be empty")
	}

	if len(problems) == 0 {
		return nil
	}
	msg := problems[0]
	for _, p := range problems[1:] {
		msg += "; " + p
	}
	return apierr.Config("%s", msg)
}

// ValidateAndExit validates the configuration and exits with a non-zero
// code if validation fails, printing the accumulated problems to stderr.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
