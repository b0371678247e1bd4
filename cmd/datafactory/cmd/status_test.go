package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCmdEmptyDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "test.db"))

	cmd := newStatusCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Queue: 0 pending")
	assert.Contains(t, buf.String(), "Indices: 0")
}

func TestStatusCmdJSONOutput(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "test.db"))

	cmd := newStatusCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--json"})

	require.NoError(t, cmd.Execute())

	var report statusReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	require.NotNil(t, report.Queue)
	assert.Zero(t, report.Queue.Pending)
	assert.Empty(t, report.Indices)
}
