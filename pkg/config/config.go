package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ServerConfig captures runtime settings for the compile server.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	ArduinoCLIPath string `mapstructure:"arduino_cli_path"`
	WorkDir        string `mapstructure:"work_dir"`
	UploadDir      string `mapstructure:"upload_dir"`
	BinaryDir      string `mapstructure:"binary_dir"`
	DatabaseURL    string `mapstructure:"database_url"`
}

// LoadServer loads server configuration from defaults, files, and env vars.
func LoadServer() (ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("SIMPILER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("arduino_cli_path", "arduino-cli")
	v.SetDefault("work_dir", "/tmp/simpiler/work")
	v.SetDefault("upload_dir", "/tmp/simpiler/uploads")
	v.SetDefault("binary_dir", "/tmp/simpiler/binaries")
	v.SetDefault("database_url", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
