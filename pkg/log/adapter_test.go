package log

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerLogrusAdapter_LevelMapping(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.InfoLevel)
	adapter := NewBadgerLogrusAdapter(logrus.NewEntry(logger))

	adapter.Infof("compaction %d", 1)
	adapter.Debugf("debug")
	assert.Empty(t, buf.String(), "badger info and debug must stay below info level")

	adapter.Warningf("warning %d", 42)
	adapter.Errorf("error %s", "test")
	out := buf.String()
	assert.Contains(t, out, "warning 42")
	assert.Contains(t, out, "error test")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(io.Discard, "debug", "text")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	var buf bytes.Buffer
	logger, err = NewLogger(&buf, "info", "json")
	require.NoError(t, err)
	logger.WithField("task_id", "t1").Info("hello")
	assert.Contains(t, buf.String(), `"task_id":"t1"`)

	_, err = NewLogger(io.Discard, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(io.Discard, "info", "xml")
	assert.Error(t, err)
}
