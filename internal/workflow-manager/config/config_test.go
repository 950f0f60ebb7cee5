package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "0 2 * * *", cfg.SchedulerCron)
	assert.Equal(t, 10, cfg.MaxCascadeEvents)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "mysql")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MAX_CASCADE_EVENTS", "4")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.DBType)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.MaxCascadeEvents)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	content := "server_addr: \":9090\"\nkafka_enabled: false\nkafka_brokers:\n  - a:1\n  - b:2\nscheduler_cron: \"*/5 * * * *\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, "*/5 * * * *", cfg.SchedulerCron)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveCascade(t *testing.T) {
	t.Setenv("MAX_CASCADE_EVENTS", "0")
	_, err := Load(viper.New(), "")
	assert.Error(t, err)
}
