// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tiller-agent/tiller/lib/clock"
)

// remotePollInterval is how often the handler checks a remotely owned
// conversation for completion when no local pump will ever append a
// terminal entry.
const remotePollInterval = 250 * time.Millisecond

// HandlerOptions configures an SSE Handler.
type HandlerOptions struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// RemoteBusy, when non-nil, marks the conversation as remotely
	// owned: the turn runs in another process and the local buffer is
	// only a mirror. The handler polls it to detect completion, since
	// no local runner will append the terminal entry promptly.
	RemoteBusy func(ctx context.Context) (bool, error)
}

// Handler streams one conversation's buffer as server-sent events.
// Clients resume with the standard Last-Event-ID header; an ?after=
// query parameter is accepted as a fallback for EventSource polyfills
// that cannot set headers.
type Handler struct {
	buffer  *Buffer
	logger  *slog.Logger
	clk     clock.Clock
	options HandlerOptions
}

// NewHandler creates an SSE handler over the given buffer.
func NewHandler(buffer *Buffer, options HandlerOptions) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{buffer: buffer, logger: logger, clk: clk, options: options}
}

// resumeCursor extracts the client's resume position. The header wins
// over the query parameter; anything unparsable means start from 0.
func resumeCursor(request *http.Request) uint64 {
	if header := request.Header.Get("Last-Event-ID"); header != "" {
		if cursor, err := strconv.ParseUint(header, 10, 64); err == nil {
			return cursor
		}
	}
	if query := request.URL.Query().Get("after"); query != "" {
		if cursor, err := strconv.ParseUint(query, 10, 64); err == nil {
			return cursor
		}
	}
	return 0
}

func (handler *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		http.Error(writer, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("X-Accel-Buffering", "no")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor := resumeCursor(request)

	// A cursor beyond the buffer's ids means the buffer was reset
	// since the client last listened; replay from the beginning.
	if cursor > handler.buffer.LastID() {
		cursor = 0
	}

	// Subscribe before replaying the backlog so nothing appended in
	// between is missed; the notify channel only signals, the entries
	// themselves always come from Since for contiguity.
	notify := make(chan struct{}, 1)
	cancel := handler.buffer.Subscribe(func(Entry) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer cancel()

	ctx := request.Context()
	for {
		for _, entry := range handler.buffer.Since(cursor) {
			if err := writeFrame(writer, entry); err != nil {
				return
			}
			cursor = entry.ID
		}
		flusher.Flush()

		if handler.buffer.Terminal() && cursor == handler.buffer.LastID() {
			return
		}

		if handler.options.RemoteBusy == nil {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-handler.clk.After(remotePollInterval):
			busy, err := handler.options.RemoteBusy(ctx)
			if err != nil {
				handler.logger.Warn("polling remote turn status", "error", err)
				continue
			}
			if !busy && handler.buffer.LastID() == cursor {
				// The remote turn finished and the mirror has caught
				// up; nothing more will arrive.
				return
			}
		}
	}
}

// writeFrame emits one SSE record. Data is a single JSON line, so one
// data: field suffices.
func writeFrame(writer http.ResponseWriter, entry Entry) error {
	if len(entry.Data) > 0 {
		_, err := fmt.Fprintf(writer, "id: %d\nevent: %s\ndata: %s\n\n", entry.ID, entry.Kind, entry.Data)
		return err
	}
	_, err := fmt.Fprintf(writer, "id: %d\nevent: %s\ndata: {}\n\n", entry.ID, entry.Kind)
	return err
}
