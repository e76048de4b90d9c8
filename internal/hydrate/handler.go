// Package hydrate services on-demand data-fetch callbacks from the OS
// filter, streaming bytes from the server entry named by the placeholder's
// file identity.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/activity"
	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/store"
)

// DefaultChunkSize is the transfer unit streamed back to the filter.
const DefaultChunkSize = 64 * 1024

// Handler implements the FetchData and CancelFetchData callbacks. The filter
// invokes FetchData on pool threads, concurrently for distinct files; each
// invocation is independent, so the only shared state is the cancellation
// table.
type Handler struct {
	driver    cloudfilter.Driver
	backend   store.Backend
	chunkSize int
	events    *activity.Broadcaster
	log       *zap.Logger

	mu       sync.Mutex
	inflight map[cloudfilter.TransferKey]context.CancelFunc
}

// NewHandler creates a Handler. chunkSize <= 0 selects DefaultChunkSize.
func NewHandler(driver cloudfilter.Driver, backend store.Backend, chunkSize int) *Handler {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Handler{
		driver:    driver,
		backend:   backend,
		chunkSize: chunkSize,
		log:       logging.Named("hydrate"),
		inflight:  make(map[cloudfilter.TransferKey]context.CancelFunc),
	}
}

// SetActivity attaches a broadcaster; completed hydrations surface as
// download activity.
func (h *Handler) SetActivity(b *activity.Broadcaster) {
	h.events = b
}

// Callbacks returns the table to register on Connect.
func (h *Handler) Callbacks() cloudfilter.Callbacks {
	return cloudfilter.Callbacks{
		FetchData:       h.FetchData,
		CancelFetchData: h.CancelFetchData,
	}
}

// FetchData streams the required range back to the filter. Every request
// ends with exactly one terminal transfer: success covering the bytes sent,
// or a failure status covering the originally required length so the OS
// unblocks the caller.
func (h *Handler) FetchData(req cloudfilter.FetchRequest) {
	start := time.Now()

	if req.FileIdentity == "" {
		h.log.Warn("fetch request with empty file identity",
			zap.Uint64("transfer_key", uint64(req.TransferKey)))
		h.fail(req, cloudfilter.StatusObjectNotFound)
		metrics.RecordHydration(0, time.Since(start), false)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.inflight[req.TransferKey] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflight, req.TransferKey)
		h.mu.Unlock()
		cancel()
	}()

	sent, err := h.stream(ctx, req)
	if err != nil {
		h.log.Error("hydration failed",
			zap.String("identity", req.FileIdentity),
			zap.Int64("offset", req.RequiredOffset),
			zap.Int64("length", req.RequiredLength),
			zap.Error(err))
		status := cloudfilter.StatusUnsuccessful
		if errors.Is(err, store.ErrNotFound) {
			status = cloudfilter.StatusObjectNotFound
		}
		h.fail(req, status)
		metrics.RecordHydration(sent, time.Since(start), false)
		return
	}

	if err := h.driver.CompleteTransfer(req.ConnectionKey, req.TransferKey,
		req.RequiredOffset, sent, cloudfilter.StatusSuccess); err != nil {
		h.log.Error("terminal transfer failed",
			zap.String("identity", req.FileIdentity), zap.Error(err))
	}
	metrics.RecordHydration(sent, time.Since(start), true)

	if h.events != nil {
		h.events.Publish(activity.Event{
			Kind:         activity.KindDownloaded,
			RelativePath: req.FileIdentity,
		})
	}

	h.log.Debug("hydration complete",
		zap.String("identity", req.FileIdentity),
		zap.Int64("offset", req.RequiredOffset),
		zap.Int64("bytes", sent),
		zap.Duration("elapsed", time.Since(start)))
}

// stream copies the required range in fixed-size chunks, updating the
// running progress after each one. Early EOF is not an error: the terminal
// transfer then covers only the bytes read.
func (h *Handler) stream(ctx context.Context, req cloudfilter.FetchRequest) (int64, error) {
	reader, _, err := h.backend.Get(ctx, req.FileIdentity, req.RequiredOffset, req.RequiredLength)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	buf := make([]byte, h.chunkSize)
	var sent int64
	for sent < req.RequiredLength {
		if err := ctx.Err(); err != nil {
			return sent, fmt.Errorf("transfer cancelled: %w", err)
		}

		want := req.RequiredLength - sent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}

		n, readErr := io.ReadFull(reader, buf[:want])
		if n > 0 {
			offset := req.RequiredOffset + sent
			if err := h.driver.TransferData(req.ConnectionKey, req.TransferKey, buf[:n], offset); err != nil {
				return sent, fmt.Errorf("transfer data at %d: %w", offset, err)
			}
			sent += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break // early EOF: terminal transfer covers the bytes read
		}
		if readErr != nil {
			return sent, fmt.Errorf("read server content: %w", readErr)
		}
	}
	return sent, nil
}

// fail issues the mandatory terminal failure transfer covering the original
// required length.
func (h *Handler) fail(req cloudfilter.FetchRequest, status cloudfilter.Status) {
	if err := h.driver.CompleteTransfer(req.ConnectionKey, req.TransferKey,
		req.RequiredOffset, req.RequiredLength, status); err != nil {
		h.log.Error("failure transfer not delivered",
			zap.String("identity", req.FileIdentity), zap.Error(err))
	}
}

// CancelFetchData signals the in-flight streamer for the transfer key to
// stop. The streamer then issues its terminal failure transfer.
func (h *Handler) CancelFetchData(req cloudfilter.CancelRequest) {
	h.mu.Lock()
	cancel, ok := h.inflight[req.TransferKey]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.log.Debug("fetch cancelled",
		zap.String("identity", req.FileIdentity),
		zap.Uint64("transfer_key", uint64(req.TransferKey)))
	cancel()
}
