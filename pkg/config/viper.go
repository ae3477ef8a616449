// Package config is responsible for initializing the application's
// configuration. It uses the Viper library to read settings from a config
// file, environment variables, and command-line flags, providing a unified
// configuration system.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	internalconfig "github.com/scrapeloop/schedbench/internal/config"
)

// InitConfig initializes the global Viper configuration. It sets defaults,
// defines configuration search paths, and enables environment variables.
// Call it once at application startup, before commands read config values.
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/schedbench/")
		viper.AddConfigPath("$HOME/.schedbench")
	}

	internalconfig.SetDefaults(viper.GetViper())

	viper.SetEnvPrefix("SCHEDBENCH") // e.g. SCHEDBENCH_SERVICE_URL
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "error reading config file: %v\n", err)
		}
	}
}
