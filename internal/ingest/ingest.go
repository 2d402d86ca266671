// Package ingest delivers raw accelerometer notifications from the
// configured transports as model.PacketEvent values.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"vibranium/internal/model"
)

func SendNonBlocking(ctx context.Context, out chan<- model.PacketEvent, ev model.PacketEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("packet channel full, dropping packet", "endpoint_id", ev.EndpointID, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver parses one line and sends the resulting event. fallback names the
// endpoint for lines that carry only the packet.
func deliver(ctx context.Context, parser *Parser, line, source, fallback string, out chan<- model.PacketEvent, logger *slog.Logger) {
	ev, err := parser.ParseLine(line)
	if err != nil {
		if logger != nil {
			logger.Debug("unparsable line", "source", source, "err", err)
		}
		return
	}
	if ev == nil {
		return
	}
	if ev.EndpointID == "" {
		ev.EndpointID = fallback
	}
	ev.Source = source
	SendNonBlocking(ctx, out, *ev, logger)
}
