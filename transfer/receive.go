package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/store"
)

// receiverState tracks one in-progress incoming transfer.
type receiverState struct {
	mu            sync.Mutex
	code          string
	metadata      fileMetadata
	chunks        map[int]string
	receivedCount int
	sweeping      bool

	detachChunks context.CancelFunc
	detachTimer  context.CancelFunc
}

func (r *receiverState) detach() {
	if r.detachChunks != nil {
		r.detachChunks()
	}
	if r.detachTimer != nil {
		r.detachTimer()
	}
}

// pumpIncomingFiles subscribes to files/ and activates a receiver for
// every metadata record not published by us.
func (e *Engine) pumpIncomingFiles(ctx context.Context) {
	entries, _ := e.gs.Map(ctx, filesPrefix)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			e.handleFileMetadataEntry(ctx, entry)
		}
	}
}

func (e *Engine) handleFileMetadataEntry(ctx context.Context, entry store.Entry) {
	if entry.Deleted {
		return
	}
	code := entry.Key[len(filesPrefix):]
	var meta fileMetadata
	if err := json.Unmarshal(entry.Value, &meta); err != nil {
		e.logger.Debug("transfer: malformed file metadata", zap.Error(err))
		return
	}
	if meta.Sender == e.ch.Address() {
		return
	}

	e.recvMu.Lock()
	if _, already := e.receivers[code]; already {
		e.recvMu.Unlock()
		return
	}
	r := &receiverState{code: code, metadata: meta, chunks: make(map[int]string)}
	e.receivers[code] = r
	e.recvMu.Unlock()

	e.activateReceiver(ctx, r)
}

func (e *Engine) activateReceiver(ctx context.Context, r *receiverState) {
	chunkCtx, cancelChunks := context.WithCancel(ctx)
	r.detachChunks = cancelChunks
	entries, _ := e.gs.Map(chunkCtx, fmt.Sprintf("%s%s/", chunksPrefix, r.code))

	timeout := e.receiveTimeout(r.metadata.TotalChunks)
	timerCtx, cancelTimer := context.WithCancel(ctx)
	r.detachTimer = cancelTimer

	go func() {
		for {
			select {
			case <-chunkCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				e.handleChunkEntry(ctx, r, entry)
			}
		}
	}()

	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-timerCtx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			alreadySweeping := r.sweeping
			r.sweeping = true
			r.mu.Unlock()
			if !alreadySweeping {
				e.beginSweep(ctx, r, true)
			}
		}
	}()
}

func (e *Engine) handleChunkEntry(ctx context.Context, r *receiverState, entry store.Entry) {
	if entry.Deleted {
		return
	}
	var rec chunkRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		e.logger.Debug("transfer: malformed chunk record", zap.Error(err))
		return
	}
	if rec.Index < 0 || rec.Index >= r.metadata.TotalChunks {
		return
	}

	r.mu.Lock()
	_, exists := r.chunks[rec.Index]
	if !exists {
		r.chunks[rec.Index] = rec.Data
		r.receivedCount++
	}
	count := r.receivedCount
	total := r.metadata.TotalChunks
	sweeping := r.sweeping
	r.mu.Unlock()
	if exists {
		return
	}

	if shouldReportProgress(count, total) {
		e.emit(Event{Kind: EventReceiveProgress, Code: r.code, ReceivedCount: count, TotalChunks: total})
	}

	if count >= total && !sweeping {
		r.mu.Lock()
		alreadySweeping := r.sweeping
		r.sweeping = true
		r.mu.Unlock()
		if !alreadySweeping {
			r.detachChunks()
			go func() {
				time.Sleep(e.finalRecheckDelay)
				e.beginSweep(ctx, r, false)
			}()
		}
	}
}

func shouldReportProgress(count, total int) bool {
	if total <= 0 {
		return false
	}
	if count%100 == 0 {
		return true
	}
	tenPercent := total / 10
	return tenPercent > 0 && count%tenPercent == 0
}

// beginSweep runs the final or timeout sweep procedure. isTimeout
// selects the additional RPC-retransmission fallback once sweeps are
// exhausted.
func (e *Engine) beginSweep(ctx context.Context, r *receiverState, isTimeout bool) {
	r.mu.Lock()
	if !r.sweeping {
		r.sweeping = true
	}
	r.mu.Unlock()
	r.detach()

	for attempt := 0; attempt < e.maxSweeps; attempt++ {
		entries, err := e.gs.Once(ctx, fmt.Sprintf("%s%s/", chunksPrefix, r.code))
		if err != nil {
			e.logger.Warn("transfer: sweep scan failed", zap.String("code", shortCode(r.code)), zap.Error(err))
		}
		r.mu.Lock()
		for _, entry := range entries {
			if entry.Deleted {
				continue
			}
			var rec chunkRecord
			if err := json.Unmarshal(entry.Value, &rec); err != nil {
				continue
			}
			if rec.Index < 0 || rec.Index >= r.metadata.TotalChunks {
				continue
			}
			if _, exists := r.chunks[rec.Index]; !exists {
				r.chunks[rec.Index] = rec.Data
				r.receivedCount++
			}
		}
		complete := r.receivedCount >= r.metadata.TotalChunks
		r.mu.Unlock()

		if complete {
			e.finishReceive(r)
			return
		}

		time.Sleep(e.sweepDelay)
	}

	r.mu.Lock()
	missing := missingIndices(r.chunks, r.metadata.TotalChunks)
	r.mu.Unlock()

	if !isTimeout {
		r.mu.Lock()
		r.sweeping = false
		r.mu.Unlock()
		return
	}

	e.retransmitFallback(ctx, r, missing)
}

func missingIndices(chunks map[int]string, total int) []int {
	var out []int
	for i := 0; i < total; i++ {
		if _, ok := chunks[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// retransmitFallback is the timeout sweep's extra step: ask the
// sender directly for whatever is still missing.
func (e *Engine) retransmitFallback(ctx context.Context, r *receiverState, missing []int) {
	if _, ok := e.ch.KnownPeer(r.metadata.Sender); !ok {
		e.abandonReceive(r, fmt.Errorf("sender %s is not a known peer", r.metadata.Sender))
		return
	}

	var resp requestChunksReply
	callCtx, cancel := context.WithTimeout(ctx, e.sweepDelay*time.Duration(e.maxSweeps))
	defer cancel()
	err := e.ch.Call(callCtx, r.metadata.Sender, "request-chunks", requestChunksArgs{FileID: r.code, MissingChunks: missing}, &resp)
	if err != nil || !resp.Success {
		e.abandonReceive(r, fmt.Errorf("request-chunks failed: %w", err))
		return
	}

	r.mu.Lock()
	for _, c := range resp.Chunks {
		if _, exists := r.chunks[c.Index]; !exists {
			r.chunks[c.Index] = c.Data
			r.receivedCount++
		}
	}
	complete := r.receivedCount >= r.metadata.TotalChunks
	r.mu.Unlock()

	if !complete {
		r.mu.Lock()
		stillMissing := len(missingIndices(r.chunks, r.metadata.TotalChunks))
		r.mu.Unlock()
		e.abandonReceive(r, fmt.Errorf("still missing %d chunks after retransmission", stillMissing))
		return
	}

	e.finishReceive(r)

	var confirmed transferConfirmedReply
	_ = e.ch.Call(ctx, r.metadata.Sender, "transfer-confirmed", transferConfirmedArgs{FileID: r.code}, &confirmed)
}

func (e *Engine) finishReceive(r *receiverState) {
	r.mu.Lock()
	ordered := make([]string, r.metadata.TotalChunks)
	for i := 0; i < r.metadata.TotalChunks; i++ {
		ordered[i] = r.chunks[i]
	}
	meta := r.metadata
	r.mu.Unlock()

	var b64 string
	for _, part := range ordered {
		b64 += part
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		e.abandonReceive(r, fmt.Errorf("base64 decode: %w", err))
		return
	}

	e.emit(Event{Kind: EventFileReceived, Code: r.code, Sender: meta.Sender, Filename: meta.Name, Size: meta.Size, Data: data})
	e.dropReceiver(r.code)
}

// abandonReceive logs the failure, emits a non-fatal event, and leaves
// the receiver state in place for a possible future retry; it does not
// retry autonomously.
func (e *Engine) abandonReceive(r *receiverState, err error) {
	logCtxErr(e.logger, "transfer: incomplete", r.code, err)
	r.mu.Lock()
	r.sweeping = false
	count := r.receivedCount
	total := r.metadata.TotalChunks
	r.mu.Unlock()
	e.emit(Event{Kind: EventTransferIncomplete, Code: r.code, ReceivedCount: count, TotalChunks: total})
}

func (e *Engine) dropReceiver(code string) {
	e.recvMu.Lock()
	if r, ok := e.receivers[code]; ok {
		r.detach()
		delete(e.receivers, code)
	}
	e.recvMu.Unlock()
}
