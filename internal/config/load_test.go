package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	defer func() {
		os.Remove("config.yaml")
		viper.Reset()
	}()

	t.Run("defaults are populated", func(t *testing.T) {
		viper.Reset()
		os.Remove("config.yaml")

		Load("")

		assert.Equal(t, 8420, viper.GetInt("http_port"))
		assert.Equal(t, 9420, viper.GetInt("metrics_port"))
		assert.Equal(t, "gpt-4.1-mini", viper.GetString("chat_title_model"))
		assert.Equal(t, 300, viper.GetInt("auto_config_timeout_seconds"))
		assert.NotEmpty(t, viper.GetString("data_dir"))
	})

	t.Run("env override wins", func(t *testing.T) {
		viper.Reset()
		os.Setenv("AGENT_HUB_HTTP_PORT", "9000")
		defer os.Unsetenv("AGENT_HUB_HTTP_PORT")

		Load("")
		assert.Equal(t, 9000, viper.GetInt("http_port"))
	})
}
