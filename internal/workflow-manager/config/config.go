// Package config loads service settings from environment variables and an optional YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DBType             string   `mapstructure:"db_type"`
	DBDSN              string   `mapstructure:"db_dsn"`
	DBLogLevel         string   `mapstructure:"db_log_level"`
	ServerAddr         string   `mapstructure:"server_addr"`
	KafkaEnabled       bool     `mapstructure:"kafka_enabled"`
	KafkaBrokers       []string `mapstructure:"kafka_brokers"`
	ActivityTopic      string   `mapstructure:"activity_topic"`
	StatusCommandTopic string   `mapstructure:"status_command_topic"`
	StatusCommandGroup string   `mapstructure:"status_command_group"`
	SchedulerCron      string   `mapstructure:"scheduler_cron"`
	MaxCascadeEvents   int      `mapstructure:"max_cascade_events"`
	MaxCatchUp         int      `mapstructure:"max_catch_up"`
	LogLevel           string   `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_type", "sqlite")
	v.SetDefault("db_dsn", "")
	v.SetDefault("db_log_level", "warn")
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("kafka_enabled", true)
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("activity_topic", "workflow_activity")
	v.SetDefault("status_command_topic", "task_status_commands")
	v.SetDefault("status_command_group", "workflow-manager-status-group")
	v.SetDefault("scheduler_cron", "0 2 * * *")
	v.SetDefault("max_cascade_events", 10)
	v.SetDefault("max_catch_up", 366)
	v.SetDefault("log_level", "info")
}

// Load reads defaults, then the YAML file at path when given, then environment variables such
// as DB_TYPE and KAFKA_BROKERS.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KafkaBrokers = splitBrokers(cfg.KafkaBrokers)
	if cfg.MaxCascadeEvents <= 0 {
		return nil, fmt.Errorf("max_cascade_events must be positive, got %d", cfg.MaxCascadeEvents)
	}
	return &cfg, nil
}

// splitBrokers accepts both a YAML list and a comma separated env value.
func splitBrokers(in []string) []string {
	var out []string
	for _, item := range in {
		for _, b := range strings.Split(item, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}
