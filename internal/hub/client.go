package hub

import (
	"context"
	"sync"
)

// Client is one registered consumer of the hub.
type Client struct {
	ID        string
	Transport string

	hub    *Hub
	conn   Conn
	queue  chan []byte
	done   chan struct{}
	detach sync.Once
}

// Done is closed once the client's writer has exited and its connection has
// been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Detach removes the client from the hub. Safe to call more than once.
func (c *Client) Detach() {
	c.detach.Do(func() { c.hub.unregister(c) })
}

// enqueue is called from the run goroutine only.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.queue <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)

	reason := "hub closed"
	for frame := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.WriteTimeout)
		err := c.conn.Write(ctx, frame)
		cancel()
		if err != nil {
			c.hub.log.Warn("hub: write failed, dropping client", "id", c.ID, "transport", c.Transport, "err", err)
			c.hub.metrics.IncHubDrop("write_error")
			reason = "write failed"
			c.Detach()
			// keep draining until the run loop closes the queue
			for range c.queue {
			}
			break
		}
		c.hub.metrics.IncEnvelopeSent(c.Transport)
	}
	if err := c.conn.Close(reason); err != nil {
		c.hub.log.Debug("hub: close client", "id", c.ID, "err", err)
	}
}
