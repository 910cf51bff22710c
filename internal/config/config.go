// Package config loads the bridge configuration from defaults, an optional
// config file, and KETTLER_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the static parameters of the bridge process.
type Config struct {
	SerialPort string `mapstructure:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate"`
	DeviceName string `mapstructure:"device_name"`
	WebListen  string `mapstructure:"web_listen"`
	LogFile    string `mapstructure:"log_file"`
	InitGear   int    `mapstructure:"init_gear"`
}

// Load reads configuration with viper. path may be empty, in which case the
// default search locations are used and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("serial_port", "/dev/ttyUSB0")
	v.SetDefault("baud_rate", 57600)
	v.SetDefault("device_name", "KettlerRacer9")
	v.SetDefault("web_listen", ":3000")
	v.SetDefault("log_file", "kettler-bridge.log")
	v.SetDefault("init_gear", 4)

	v.SetEnvPrefix("KETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	} else {
		v.SetConfigName("kettler-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kettler-bridge")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; anything else is not.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
