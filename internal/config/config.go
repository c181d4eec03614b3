package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	Secret    string `mapstructure:"secret"`
	DBPath    string `mapstructure:"db_path"`
	ReadLimit int64  `mapstructure:"read_limit"`

	// Heartbeat: a ping is sent every PingInterval; a pong must arrive
	// within PongDeadline of each ping or the connection is terminated.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongDeadline time.Duration `mapstructure:"pong_deadline"`

	SendBuffer int `mapstructure:"send_buffer"`

	CallRetryLimit int           `mapstructure:"call_retry_limit"`
	CallRetryDelay time.Duration `mapstructure:"call_retry_delay"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./chatrelay.db")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_interval", "5s")
	v.SetDefault("pong_deadline", "1s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("call_retry_limit", 3)
	v.SetDefault("call_retry_delay", "1500ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
