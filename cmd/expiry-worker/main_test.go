package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

func TestFatalLogsStructuredAndExits(t *testing.T) {
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })

	var buf bytes.Buffer
	fatal(logging.NewWithWriter(&buf, "info"), "postgres connection error", errors.New("connection refused"))

	assert.Equal(t, 1, code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "postgres connection error", entry["msg"])
	assert.Equal(t, "connection refused", entry["error"])
}
