package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tool_broker/internal/models"
)

func TestFileWriter_WriteBatch(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFileWriter(filepath.Join(dir, "archive", "usage-%s.jsonl"), 0, 0)
	require.NoError(t, err)
	defer writer.Close()

	path, err := writer.WriteBatch(context.Background(), []*models.UsageRecord{testRecord(), testRecord()})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestFileWriter_RotatesAndKeepsMaxFiles(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "usage-%s.jsonl")
	writer, err := NewFileWriter(template, 10, 2)
	require.NoError(t, err)
	defer writer.Close()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		path, err := writer.WriteBatch(context.Background(), []*models.UsageRecord{testRecord()})
		require.NoError(t, err)
		seen[path] = true
	}
	assert.Len(t, seen, 4, "every batch exceeds the size limit and rotates")

	matches, err := filepath.Glob(filepath.Join(dir, "usage-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestFileWriter_Closed(t *testing.T) {
	writer, err := NewFileWriter(filepath.Join(t.TempDir(), "usage-%s.jsonl"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())

	_, err = writer.WriteBatch(context.Background(), []*models.UsageRecord{testRecord()})
	assert.Error(t, err)
}
