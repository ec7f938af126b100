package media

import (
	"fmt"

	"github.com/bizur-im/bizur/internal/models"
)

// Split cuts an attachment into chunk envelopes of chunkSize bytes each.
// The caption rides on chunk 0 only. chunkSize must be positive and at
// most MaxChunkBytes; the resulting count must fit under MaxChunks.
func Split(env models.MediaEnvelope, chunkSize int) ([]models.ChunkEnvelope, error) {
	if chunkSize <= 0 || chunkSize > MaxChunkBytes {
		return nil, fmt.Errorf("%w: chunk size %d", ErrChunkTooLarge, chunkSize)
	}

	total := (len(env.Data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks of %d bytes", ErrChunkCount, total, chunkSize)
	}

	chunks := make([]models.ChunkEnvelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(env.Data) {
			end = len(env.Data)
		}
		chunk := models.ChunkEnvelope{
			MessageID:   env.MessageID,
			FileName:    env.FileName,
			MimeType:    env.MimeType,
			SizeBytes:   int64(len(env.Data)),
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        env.Data[start:end],
		}
		if i == 0 {
			chunk.Caption = env.Caption
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
