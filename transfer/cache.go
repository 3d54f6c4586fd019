package transfer

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// cacheSweepLoop evicts sender cache entries whose TTL has elapsed,
// every 60s.
func (e *Engine) cacheSweepLoop(ctx context.Context) {
	t := time.NewTicker(cacheSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweepCache()
		}
	}
}

func (e *Engine) sweepCache() {
	now := time.Now()
	e.cacheMu.Lock()
	for code, entry := range e.cache {
		if entry.createdAt.Add(e.cacheTTL).Before(now) {
			delete(e.cache, code)
		}
	}
	e.cacheMu.Unlock()
}

type chunkPair struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

type requestChunksArgs struct {
	FileID        string `json:"fileId"`
	MissingChunks []int  `json:"missingChunks"`
}

type requestChunksReply struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	FileID  string      `json:"fileId,omitempty"`
	Chunks  []chunkPair `json:"chunks,omitempty"`
}

// handleRequestChunks is the sender-side "request-chunks" RPC: replies
// with whichever of the requested indices are still cached.
func (e *Engine) handleRequestChunks(caller string, args json.RawMessage, reply func(result any)) {
	var req requestChunksArgs
	if err := json.Unmarshal(args, &req); err != nil {
		reply(requestChunksReply{Success: false, Error: "bad request"})
		return
	}

	e.cacheMu.Lock()
	entry, ok := e.cache[req.FileID]
	e.cacheMu.Unlock()
	if !ok {
		e.logger.Warn("transfer: request-chunks for uncached file", zap.String("code", shortCode(req.FileID)), zap.String("caller", caller))
		reply(requestChunksReply{Success: false, Error: "File not in cache"})
		return
	}

	var out []chunkPair
	for _, idx := range req.MissingChunks {
		if data, ok := entry.chunks[idx]; ok {
			out = append(out, chunkPair{Index: idx, Data: data})
		}
	}
	reply(requestChunksReply{Success: true, FileID: req.FileID, Chunks: out})
}

type transferConfirmedArgs struct {
	FileID string `json:"fileId"`
}

type transferConfirmedReply struct {
	Success bool `json:"success"`
}

// handleTransferConfirmed is the sender-side "transfer-confirmed" RPC
// drops the cache entry once the receiver has the whole file.
func (e *Engine) handleTransferConfirmed(caller string, args json.RawMessage, reply func(result any)) {
	var req transferConfirmedArgs
	if err := json.Unmarshal(args, &req); err != nil {
		reply(transferConfirmedReply{Success: false})
		return
	}
	e.cacheMu.Lock()
	delete(e.cache, req.FileID)
	e.cacheMu.Unlock()
	reply(transferConfirmedReply{Success: true})
}
