package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          int    `mapstructure:"port"`
	DBPath        string `mapstructure:"db_path"`
	ReadTimeout   int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout  int    `mapstructure:"write_timeout"` // seconds
	ControlSocket string `mapstructure:"control_socket"`
}

// Load reads configuration from an optional messapp.yaml plus MESSAPP_*
// environment variables, with built-in defaults for everything.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 7777)
	v.SetDefault("db_path", "messapp.db")
	v.SetDefault("read_timeout", 120)
	v.SetDefault("write_timeout", 30)
	v.SetDefault("control_socket", "/tmp/messapp.sock")

	v.SetEnvPrefix("MESSAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("messapp")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/messapp/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// Файл конфигурации опционален, работаем на дефолтах и env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
