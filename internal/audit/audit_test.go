package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_NoPathIsNoOp(t *testing.T) {
	s, err := NewSink("")
	require.NoError(t, err)
	require.NoError(t, s.Append(map[string]any{"a": 1}))
}

func TestSink_AppendWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "audit.log")

	s, err := NewSink(p)
	require.NoError(t, err)

	require.NoError(t, s.Append(map[string]any{"event": "ping", "processed": 1}))
	require.NoError(t, s.Append(map[string]any{"event": "pong", "processed": 0}))

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "ping", first["event"])
}
