package hub

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ServeWS upgrades the request and attaches the socket until either side
// closes. Inbound messages are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.Origins})
	if err != nil {
		h.log.Warn("hub: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	// CloseRead discards inbound frames and cancels readCtx when the peer
	// goes away.
	readCtx := c.CloseRead(context.Background())

	client, err := h.Attach(r.Context(), "ws", wsConn{c: c})
	if err != nil {
		c.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	select {
	case <-readCtx.Done():
		client.Detach()
		<-client.Done()
	case <-client.Done():
	}
}
