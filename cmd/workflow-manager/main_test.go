package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-engine-service/internal/workflow-manager/config"
)

type closeFailingProducer struct{}

func (closeFailingProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return nil
}
func (closeFailingProducer) Close() error             { return errors.New("broker gone") }
func (closeFailingProducer) Stats() kafka.WriterStats { return kafka.WriterStats{} }

func TestEngineClose(t *testing.T) {
	var logs bytes.Buffer
	hlog.SetOutput(&logs)
	hlog.SetLevel(hlog.LevelInfo)
	t.Cleanup(func() { hlog.SetOutput(os.Stderr) })

	cfg := &config.Config{
		DBType:     "sqlite",
		DBDSN:      filepath.Join(t.TempDir(), "engine.db"),
		DBLogLevel: "silent",
	}
	e, err := newEngine(context.Background(), cfg)
	require.NoError(t, err)
	e.Producer = closeFailingProducer{}

	sqlDB, err := e.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())

	e.Close()
	assert.Error(t, sqlDB.Ping(), "database handle is closed")
	assert.Contains(t, logs.String(), "Kafka producer close error: broker gone")
	assert.NotContains(t, logs.String(), "Database close error")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, hlog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, hlog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, hlog.LevelError, parseLogLevel("error"))
	assert.Equal(t, hlog.LevelInfo, parseLogLevel(""))
}
