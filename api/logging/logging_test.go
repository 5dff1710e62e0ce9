package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")

	logger.WithField("component", "registry").Debug("sweep")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sweep", entry["msg"])
	assert.Equal(t, "registry", entry["component"])
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New(&bytes.Buffer{}, "loud", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
