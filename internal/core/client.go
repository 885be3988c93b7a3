package core

import "sync"

const (
	commandBuffer = 16
	eventBuffer   = 64
)

// Client is a connection as seen by the core layer. The transport reads
// Commands from the socket into the channel and writes Events out.
type Client struct {
	ID       string
	Commands chan *Command
	Events   chan *Event

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    CloseReason
}

var _ Sink = (*Client)(nil)

// NewClient constructs a client with initialized channels.
func NewClient(id string) *Client {
	return &Client{
		ID:       id,
		Commands: make(chan *Command, commandBuffer),
		Events:   make(chan *Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Deliver queues ev for the transport without blocking.
func (c *Client) Deliver(ev *Event) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.Events <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Kick marks the client closed. The first reason wins.
func (c *Client) Kick(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once the client was kicked or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns why the client was closed.
func (c *Client) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
