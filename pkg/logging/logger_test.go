package logging

import (
	"context"
	"testing"
	"time"

	"trailstop/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	// 1. Setup OTel
	tel, err := telemetry.Setup("test-logger")
	require.NoError(t, err)
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// 2. Create Zap Logger
	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	// 3. Log through the bridge, then through a derived logger
	logger.Info("Test OTel bridging", "key", "value")
	logger.WithField("component", "test").Debug("Debug message", "status", "testing")

	time.Sleep(100 * time.Millisecond)
	_ = logger.Sync()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    interface{}
		wantErr bool
	}{
		{"debug", zap.DebugLevel, false},
		{"INFO", zap.InfoLevel, false},
		{"Warn", zap.WarnLevel, false},
		{"ERROR", zap.ErrorLevel, false},
		{"verbose", zap.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, lvl)
		})
	}
}

func TestConvertToZapFields_OddArgs(t *testing.T) {
	l := NewNopLogger()
	fields := l.convertToZapFields([]interface{}{"a", 1, 2, "b", "dangling"})
	require.Len(t, fields, 2)
	assert.Equal(t, "a", fields[0].Key)
	assert.Equal(t, "2", fields[1].Key)
}
