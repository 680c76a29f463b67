package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		setup     func()
		wantError bool
		errMsg    string
	}{
		{
			name: "valid configuration",
			setup: func() {
				viper.Set("http_port", 8420)
				viper.Set("metrics_port", 9420)
				viper.Set("data_dir", "/tmp/agent-hub")
			},
			wantError: false,
		},
		{
			name: "invalid http_port too low",
			setup: func() {
				viper.Set("http_port", 0)
			},
			wantError: true,
			errMsg:    "http_port must be between 1 and 65535",
		},
		{
			name: "invalid http_port too high",
			setup: func() {
				viper.Set("http_port", 70000)
			},
			wantError: true,
			errMsg:    "http_port must be between 1 and 65535",
		},
		{
			name: "invalid metrics_port",
			setup: func() {
				viper.Set("metrics_port", 99999)
			},
			wantError: true,
			errMsg:    "metrics_port must be between 1 and 65535",
		},
		{
			name: "empty data_dir",
			setup: func() {
				viper.Set("data_dir", "")
			},
			wantError: true,
			errMsg:    "data_dir must not be empty",
		},
		{
			name: "uid without gid",
			setup: func() {
				viper.Set("identity.uid", 1000)
				viper.Set("identity.gid", -1)
			},
			wantError: true,
			errMsg:    "identity.uid and identity.gid must both be set",
		},
		{
			name: "multiple errors",
			setup: func() {
				viper.Set("http_port", -1)
				viper.Set("metrics_port", -1)
			},
			wantError: true,
			errMsg:    "CONFIG_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			viper.SetDefault("data_dir", "/tmp/agent-hub")
			viper.SetDefault("identity.uid", -1)
			viper.SetDefault("identity.gid", -1)

			if tt.setup != nil {
				tt.setup()
			}

			err := ValidateConfig()
			if tt.wantError {
				if err == nil {
					t.Fatalf("ValidateConfig() expected error, got nil")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateConfig() error = %v, want error containing %v", err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("ValidateConfig() unexpected error: %v", err)
			}
		})
	}
}
