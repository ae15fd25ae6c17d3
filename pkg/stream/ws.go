package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler streams hub events to a websocket client until either side
// disconnects. Repeated kind query values narrow the feed.
func Handler(h *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		opts := &websocket.AcceptOptions{}
		if len(originPatterns) > 0 {
			opts.OriginPatterns = originPatterns
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(64, ParseKinds(r.URL.Query()["kind"])...)
		defer h.Unsubscribe(sub)

		_ = wsjson.Write(ctx, conn, NewEvent(KindReady, nil))
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub.Events():
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	}
}
