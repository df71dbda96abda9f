package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tool_broker/internal/models"
)

// FileWriter appends usage records to local JSON Lines files, rotating by size
// and keeping at most maxFiles of them.
type FileWriter struct {
	fileTemplate string // e.g. "/var/log/tool_broker/usage-%s.jsonl"
	maxSize      int64
	maxFiles     int

	mu          sync.Mutex
	currentFile string
	file        *os.File
	currentSize int64
}

// NewFileWriter opens the first file of the template
func NewFileWriter(fileTemplate string, maxSize int64, maxFiles int) (*FileWriter, error) {
	w := &FileWriter{
		fileTemplate: fileTemplate,
		maxSize:      maxSize,
		maxFiles:     maxFiles,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// newFileName applies the current timestamp to the file template
func (w *FileWriter) newFileName() string {
	timestamp := time.Now().Format("20060102150405.000000000")
	return fmt.Sprintf(w.fileTemplate, timestamp)
}

// openFile opens (or creates) the active file, creating its directory if needed
func (w *FileWriter) openFile() error {
	w.currentFile = w.newFileName()
	dir := filepath.Dir(w.currentFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(w.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.currentSize = fi.Size()
	w.file = file
	return nil
}

// rotateIfNeeded starts a new file when n more bytes would exceed maxSize
func (w *FileWriter) rotateIfNeeded(n int) error {
	if w.maxSize <= 0 || w.currentSize == 0 || w.currentSize+int64(n) < w.maxSize {
		return nil
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.openFile(); err != nil {
		return err
	}
	return w.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest rotated files beyond maxFiles
func (w *FileWriter) cleanupOldFiles() error {
	if w.maxFiles <= 0 {
		return nil
	}

	matches, err := filepath.Glob(fmt.Sprintf(w.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// Timestamped names sort chronologically
	sort.Strings(matches)

	excess := len(matches) - w.maxFiles
	for i := 0; i < excess; i++ {
		_ = os.Remove(matches[i])
	}
	return nil
}

// WriteBatch appends the records and returns the file they went to
func (w *FileWriter) WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	data, err := encodeJSONLines(records)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return "", fmt.Errorf("file writer closed")
	}
	if err := w.rotateIfNeeded(len(data)); err != nil {
		return "", fmt.Errorf("failed to rotate archive file: %w", err)
	}

	n, err := w.file.Write(data)
	w.currentSize += int64(n)
	if err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}

	return w.currentFile, nil
}

// Close closes the active file
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
