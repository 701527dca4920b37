package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"osrsprices/internal/ingest"
)

const maxBackoff = 16 * time.Second

// Subscribe connects to a hub at url and sends every received report to out,
// reconnecting with exponential backoff until ctx is cancelled.
func Subscribe(ctx context.Context, logger *slog.Logger, url string, out chan<- ingest.BatchReport) error {
	backoff := time.Second
	for {
		logger.Info("Feed: connecting", "url", url)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Feed: connection failed", "url", url, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = time.Second

		if done := receive(ctx, logger, conn, out); done {
			return nil
		}
	}
}

// receive reads reports until the connection fails. It reports true when ctx
// was cancelled.
func receive(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, out chan<- ingest.BatchReport) bool {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			logger.Error("Feed: failed to read message", "error", err)
			return false
		}

		var report ingest.BatchReport
		if err := json.Unmarshal(message, &report); err != nil {
			logger.Warn("Feed: failed to parse message", "error", err)
			continue
		}

		select {
		case out <- report:
		case <-ctx.Done():
			return true
		}
	}
}
