package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rendiffdev/conductor/stream"
)

// Subscribe opens the caller's websocket event stream. Every lifecycle
// event of the caller's jobs and batches arrives on the channel, which is
// closed when the connection drops or ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan *stream.Event, error) {
	dialer := ws.Dialer{}
	if c.token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + c.token},
		})
	}
	conn, _, _, err := dialer.Dial(ctx, wsURL(c.baseURL)+"/v1/stream")
	if err != nil {
		return nil, fmt.Errorf("conductor/client: websocket dial: %w", err)
	}

	ch := make(chan *stream.Event, 64)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event stream read error", slog.String("error", err.Error()))
				}
				return
			}
			var evt stream.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				c.logger.Warn("malformed stream event", slog.String("error", err.Error()))
				continue
			}
			select {
			case ch <- &evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
