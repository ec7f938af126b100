// Package media splits attachments into bounded chunks for relay delivery
// and reassembles them from out-of-order fragments.
package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/models"
)

const (
	// MimeChunk marks a plaintext payload as one attachment fragment.
	MimeChunk = "application/x-bizur-chunk"

	// MaxChunks caps the declared chunk count of a single attachment.
	MaxChunks = 500
	// MaxChunkBytes bounds one fragment.
	MaxChunkBytes = 24 * 1024
	// accumulatorTTL evicts buffers untouched for this long, swept lazily
	// on the next ingest, never on a timer.
	accumulatorTTL = 5 * time.Minute
)

var (
	ErrChunkCount    = errors.New("invalid chunk count")
	ErrChunkIndex    = errors.New("chunk index out of range")
	ErrChunkTooLarge = errors.New("chunk exceeds fragment bound")
)

// Attachment is a completed reassembly delivered exactly once.
type Attachment struct {
	MessageID string
	FileName  string
	MimeType  string
	SizeBytes int64
	Caption   string
	Data      []byte
}

// accumulator is the in-memory partial reconstruction of one attachment.
// filled tracks indices separately from parts: an empty fragment is
// still a received fragment.
type accumulator struct {
	total    int
	received int
	parts    [][]byte
	filled   []bool
	fileName string
	mimeType string
	size     int64
	caption  string
	touched  time.Time
}

// Assembler accumulates chunk envelopes per attachment id. Ingestion for
// the same id is serialized by the assembler lock; different ids share it
// only briefly.
type Assembler struct {
	mu      sync.Mutex
	buffers map[string]*accumulator
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAssembler creates an empty assembler.
func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{
		buffers: make(map[string]*accumulator),
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest feeds one chunk. It returns (attachment, nil) on completion,
// (nil, nil) while incomplete, and (nil, err) when the chunk is rejected.
// A rejected chunk discards any existing buffer for its attachment id.
func (a *Assembler) Ingest(env models.ChunkEnvelope) (*Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sweep()

	if env.TotalChunks <= 0 || env.TotalChunks > MaxChunks {
		delete(a.buffers, env.MessageID)
		a.logger.Warn().Str("msg_id", env.MessageID).Int("total", env.TotalChunks).Msg("rejected attachment chunk count")
		return nil, fmt.Errorf("%w: %d", ErrChunkCount, env.TotalChunks)
	}
	if env.ChunkIndex < 0 || env.ChunkIndex >= env.TotalChunks {
		delete(a.buffers, env.MessageID)
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkIndex, env.ChunkIndex, env.TotalChunks)
	}
	if len(env.Data) > MaxChunkBytes {
		delete(a.buffers, env.MessageID)
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(env.Data))
	}

	buf, ok := a.buffers[env.MessageID]
	if ok && buf.total != env.TotalChunks {
		// Metadata resync, not corruption: restart with the new count.
		a.logger.Debug().Str("msg_id", env.MessageID).Int("old", buf.total).Int("new", env.TotalChunks).Msg("chunk metadata changed, resetting buffer")
		ok = false
	}
	if !ok {
		buf = &accumulator{
			total:    env.TotalChunks,
			parts:    make([][]byte, env.TotalChunks),
			filled:   make([]bool, env.TotalChunks),
			fileName: env.FileName,
			mimeType: env.MimeType,
			size:     env.SizeBytes,
		}
		a.buffers[env.MessageID] = buf
	}

	buf.touched = a.now()
	if env.Caption != "" {
		buf.caption = env.Caption
	}
	if buf.filled[env.ChunkIndex] {
		// Duplicate index: idempotent no-op.
		return nil, nil
	}
	buf.parts[env.ChunkIndex] = env.Data
	buf.filled[env.ChunkIndex] = true
	buf.received++

	if buf.received < buf.total {
		return nil, nil
	}

	delete(a.buffers, env.MessageID)
	data := make([]byte, 0, buf.size)
	for _, part := range buf.parts {
		data = append(data, part...)
	}
	return &Attachment{
		MessageID: env.MessageID,
		FileName:  buf.fileName,
		MimeType:  buf.mimeType,
		SizeBytes: buf.size,
		Caption:   buf.caption,
		Data:      data,
	}, nil
}

// Pending reports how many partial buffers are held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// sweep drops buffers past the TTL. Caller holds a.mu.
func (a *Assembler) sweep() {
	cutoff := a.now().Add(-accumulatorTTL)
	for id, buf := range a.buffers {
		if buf.touched.Before(cutoff) {
			a.logger.Debug().Str("msg_id", id).Int("received", buf.received).Int("total", buf.total).Msg("evicting stale attachment buffer")
			delete(a.buffers, id)
		}
	}
}
