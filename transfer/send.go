package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ShareFile implements the send path: chunk, publish metadata, write
// the paced chunk stream, populate the sender cache, and emit
// transfer-complete. mimeType may be empty to infer one from name's
// extension.
func (e *Engine) ShareFile(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = inferMIMEType(name)
	}
	b64 := base64.StdEncoding.EncodeToString(data)
	totalChunks := (len(b64) + e.chunkSize - 1) / e.chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}
	code := GenerateCode()

	meta := fileMetadata{
		Name:        name,
		Type:        mimeType,
		Size:        len(data),
		TotalChunks: totalChunks,
		Timestamp:   time.Now().UnixMilli(),
		Sender:      e.ch.Address(),
	}

	if err := e.publishMetadataWithTimeout(code, meta); err != nil {
		logCtxErr(e.logger, "transfer: metadata publish exceeded send timeout", code, err)
		e.emit(Event{Kind: EventSendTimeout, Code: code})
		return code, nil
	}

	chunks := make(map[int]string, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(b64) {
			end = len(b64)
		}
		part := b64[start:end]
		chunks[i] = part

		rec := chunkRecord{Index: i, Data: part, Timestamp: time.Now().UnixMilli(), FileID: code}
		if err := e.gs.Put(ctx, chunkKey(code, i), mustMarshal(rec)); err != nil {
			e.logger.Warn("transfer: chunk write failed", zap.String("code", shortCode(code)), zap.Int("index", i), zap.Error(err))
		}
		if i < totalChunks-1 {
			time.Sleep(e.interChunkDelay)
		}
	}

	e.cacheMu.Lock()
	e.cache[code] = &senderCacheEntry{chunks: chunks, metadata: meta, createdAt: time.Now()}
	e.cacheMu.Unlock()

	e.emit(Event{Kind: EventTransferComplete, Code: code, Sender: meta.Sender, Filename: meta.Name, TotalChunks: totalChunks})
	return code, nil
}

func (e *Engine) publishMetadataWithTimeout(code string, meta fileMetadata) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.gs.Put(context.Background(), filesPrefix+code, mustMarshal(meta)) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chunkKey(code string, index int) string {
	return fmt.Sprintf("%s%s/%06d", chunksPrefix, code, index)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
