package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrRemote wraps error frames returned by the server.
var ErrRemote = errors.New("remote error")

// Client is a remote script context: the other end of a Server connection.
//
// Writes are safe for concurrent use. Reads (Next, Bind, Sync and friends)
// must come from a single goroutine.
type Client struct {
	ws *websocket.Conn

	wmu sync.Mutex
	seq int64

	frames    chan Frame
	binary    chan BinaryFrame
	done      chan struct{} // closed by readLoop
	closing   chan struct{} // closed by Close
	closeOnce sync.Once
	readErr   error

	backlog []Frame
}

// BinaryFrame is a binary message for one instance.
type BinaryFrame struct {
	Instance int64
	Payload  []byte
}

// Dial connects to a Server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ws:      ws,
		frames:  make(chan Frame, 64),
		binary:  make(chan BinaryFrame, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		switch kind {
		case websocket.TextMessage:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				c.readErr = fmt.Errorf("malformed frame from server: %w", err)
				return
			}
			select {
			case c.frames <- f:
			case <-c.closing:
				return
			}
		case websocket.BinaryMessage:
			id, payload, err := decodeBinary(data)
			if err != nil {
				c.readErr = err
				return
			}
			select {
			case c.binary <- BinaryFrame{Instance: id, Payload: payload}:
			case <-c.closing:
				return
			}
		}
	}
}

// Send writes a text frame.
func (c *Client) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// SendBinary writes a binary frame for instance.
func (c *Client) SendBinary(instance int64, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, encodeBinary(instance, payload))
}

// Post sends an asynchronous message from instance.
func (c *Client) Post(instance int64, msg string) error {
	return c.Send(Frame{Op: OpPost, Instance: instance, Message: msg})
}

// Next returns the next text frame not already consumed by Bind or Sync.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	if len(c.backlog) > 0 {
		f := c.backlog[0]
		c.backlog = c.backlog[1:]
		return f, nil
	}
	return c.read(ctx)
}

// NextBinary returns the next binary frame.
func (c *Client) NextBinary(ctx context.Context) (BinaryFrame, error) {
	select {
	case b := <-c.binary:
		return b, nil
	case <-c.done:
		return BinaryFrame{}, c.closedErr()
	case <-ctx.Done():
		return BinaryFrame{}, ctx.Err()
	}
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		// drain anything read before the close
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	if c.readErr != nil {
		return c.readErr
	}
	return errors.New("connection closed")
}

// await reads until match accepts a frame, keeping the others for Next.
func (c *Client) await(ctx context.Context, match func(Frame) bool) (Frame, error) {
	for i, f := range c.backlog {
		if match(f) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return f, nil
		}
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return Frame{}, err
		}
		if match(f) {
			return f, nil
		}
		c.backlog = append(c.backlog, f)
	}
}

// Extensions lists the extensions the server offers.
func (c *Client) Extensions(ctx context.Context) ([]Descriptor, error) {
	if err := c.Send(Frame{Op: OpExtensions}); err != nil {
		return nil, err
	}
	f, err := c.await(ctx, func(f Frame) bool { return f.Op == OpExtensions })
	return f.Extensions, err
}

// Bind binds the named extension and returns the new instance ID.
func (c *Client) Bind(ctx context.Context, name string) (int64, error) {
	if err := c.Send(Frame{Op: OpBind, Extension: name}); err != nil {
		return 0, err
	}
	f, err := c.await(ctx, func(f Frame) bool {
		return (f.Op == OpBound && f.Extension == name) || (f.Op == OpError && f.Seq == 0)
	})
	if err != nil {
		return 0, err
	}
	if f.Op == OpError {
		return 0, fmt.Errorf("%w: %s", ErrRemote, f.Error)
	}
	return f.Instance, nil
}

// Unbind destroys an instance.
func (c *Client) Unbind(instance int64) error {
	return c.Send(Frame{Op: OpUnbind, Instance: instance})
}

// Sync sends a synchronous message and waits for the reply.
func (c *Client) Sync(ctx context.Context, instance int64, msg string) (string, error) {
	c.wmu.Lock()
	c.seq++
	seq := c.seq
	c.wmu.Unlock()
	if err := c.Send(Frame{Op: OpSync, Instance: instance, Seq: seq, Message: msg}); err != nil {
		return "", err
	}
	f, err := c.await(ctx, func(f Frame) bool {
		return f.Seq == seq && (f.Op == OpSyncReply || f.Op == OpError)
	})
	if err != nil {
		return "", err
	}
	if f.Op == OpError {
		return "", fmt.Errorf("%w: %s", ErrRemote, f.Error)
	}
	return f.Message, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.wmu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}
