package logging

import (
	"context"
	"errors"
	"sync"
	"time"

	"tool_broker/internal/models"
	"tool_broker/internal/utils"
)

// Sink receives usage records for archiving.
type Sink interface {
	Enqueue(rec *models.UsageRecord) error
	Shutdown(ctx context.Context) error
}

// BatchWriter persists a batch of records and returns where they went.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error)
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *models.UsageRecord) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}

// ArchiveConfig controls buffering of an ArchiveSink
type ArchiveConfig struct {
	BufferSize    int           // records that can wait before Enqueue starts dropping
	FlushSize     int           // flush as soon as this many records are pending
	FlushInterval time.Duration // flush pending records at least this often
	WriteTimeout  time.Duration
}

// DefaultArchiveConfig returns default archive buffering
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BufferSize:    10000,
		FlushSize:     500,
		FlushInterval: time.Minute,
		WriteTimeout:  30 * time.Second,
	}
}

// ErrSinkFull is returned by Enqueue when the buffer is full
var ErrSinkFull = errors.New("archive buffer full")

// ErrSinkClosed is returned by Enqueue after Shutdown
var ErrSinkClosed = errors.New("archive sink closed")

// ArchiveSink buffers usage records and hands them to a BatchWriter in the
// background, by size or by interval. Shutdown drains what is left.
type ArchiveSink struct {
	writer BatchWriter
	config ArchiveConfig
	logger *utils.Logger

	recCh  chan *models.UsageRecord
	doneCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewArchiveSink starts a sink writing through writer
func NewArchiveSink(writer BatchWriter, config ArchiveConfig) *ArchiveSink {
	defaults := DefaultArchiveConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.FlushSize <= 0 {
		config.FlushSize = defaults.FlushSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	s := &ArchiveSink{
		writer: writer,
		config: config,
		logger: utils.NewLogger("usage-archive"),
		recCh:  make(chan *models.UsageRecord, config.BufferSize),
		doneCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue queues a record without blocking
func (s *ArchiveSink) Enqueue(rec *models.UsageRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.recCh <- rec:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown flushes pending records and stops the background writer
func (s *ArchiveSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.doneCh)

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ArchiveSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]*models.UsageRecord, 0, s.config.FlushSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.write(pending)
		pending = make([]*models.UsageRecord, 0, s.config.FlushSize)
	}

	for {
		select {
		case rec := <-s.recCh:
			pending = append(pending, rec)
			if len(pending) >= s.config.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.doneCh:
			// Drain remaining records
			for {
				select {
				case rec := <-s.recCh:
					pending = append(pending, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ArchiveSink) write(records []*models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	location, err := s.writer.WriteBatch(ctx, records)
	if err != nil {
		s.logger.Error("Failed to archive usage records", "count", len(records), "error", err)
		return
	}
	s.logger.Debug("Archived usage records", "count", len(records), "location", location)
}
