package remote

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type outbound struct {
	kind int
	data []byte
}

// conn is one remote script context.
type conn struct {
	s      *Server
	ws     *websocket.Conn
	logger *slog.Logger

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, remote string) *conn {
	return &conn{
		s:      s,
		ws:     ws,
		logger: s.logger.With(slog.String("remote", remote)),
		out:    make(chan outbound, s.sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *conn) serve() {
	c.logger.Debug("remote context connected")
	go c.writeLoop()
	defer c.cleanup()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("remote context read failed", slog.Any("error", err))
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case m := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
				c.logger.Debug("remote context write failed", slog.Any("error", err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// cleanup destroys every instance the connection bound.
func (c *conn) cleanup() {
	c.close()
	s := c.s
	s.mu.Lock()
	delete(s.conns, c)
	var gone []*instance
	for id, in := range s.instances {
		if in.conn == c {
			delete(s.instances, id)
			gone = append(gone, in)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(gone, func(a, b *instance) int { return cmp.Compare(a.id, b.id) })
	for _, in := range gone {
		s.upcall("OnInstanceDestroyed", in, func() { in.peer.up.OnInstanceDestroyed(in.peer.id, in.id) })
	}
	c.logger.Debug("remote context disconnected", slog.Int("instances", len(gone)))
}

// send queues a frame without blocking; the host thread calls this.
func (c *conn) send(m outbound) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- m:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping frame", slog.Int("bytes", len(m.data)))
	}
}

func (c *conn) sendJSON(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to encode frame", slog.String("op", f.Op), slog.Any("error", err))
		return
	}
	c.send(outbound{kind: websocket.TextMessage, data: b})
}

func (c *conn) fail(seq int64, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Debug("rejecting frame", slog.String("error", msg))
	c.sendJSON(Frame{Op: OpError, Seq: seq, Error: msg})
}

func (c *conn) handleText(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.fail(0, "malformed frame: %v", err)
		return
	}
	switch f.Op {
	case OpExtensions:
		c.sendJSON(Frame{Op: OpExtensions, Extensions: c.s.Descriptors()})
	case OpBind:
		c.bind(f.Extension)
	case OpUnbind:
		c.unbind(f.Instance)
	case OpPost:
		in := c.instance(f.Instance)
		if in == nil {
			c.fail(0, "unknown instance %d", f.Instance)
			return
		}
		msg := f.Message
		c.s.upcall("OnMessage", in, func() { in.peer.up.OnMessage(in.peer.id, in.id, msg) })
	case OpSync:
		c.sync(f)
	default:
		c.fail(f.Seq, "unknown op %q", f.Op)
	}
}

func (c *conn) handleBinary(data []byte) {
	id, payload, err := decodeBinary(data)
	if err != nil {
		c.fail(0, "%v", err)
		return
	}
	in := c.instance(id)
	if in == nil {
		c.fail(0, "unknown instance %d", id)
		return
	}
	payload = slices.Clone(payload)
	c.s.upcall("OnBinaryMessage", in, func() { in.peer.up.OnBinaryMessage(in.peer.id, in.id, payload) })
}

// instance returns the connection's live instance with the given ID.
func (c *conn) instance(id int64) *instance {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	in, ok := c.s.instances[id]
	if !ok || in.conn != c {
		return nil
	}
	return in
}

func (c *conn) bind(name string) {
	s := c.s
	s.mu.Lock()
	p, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		c.fail(0, "unknown extension %q", name)
		return
	}
	s.nextInstance++
	in := &instance{id: s.nextInstance, peer: p, conn: c}
	s.instances[in.id] = in
	s.mu.Unlock()

	c.sendJSON(Frame{Op: OpBound, Extension: name, Instance: in.id})
	s.upcall("OnInstanceCreated", in, func() { p.up.OnInstanceCreated(p.id, in.id) })
}

func (c *conn) unbind(id int64) {
	s := c.s
	s.mu.Lock()
	in, ok := s.instances[id]
	if !ok || in.conn != c {
		s.mu.Unlock()
		c.fail(0, "unknown instance %d", id)
		return
	}
	delete(s.instances, id)
	s.mu.Unlock()
	s.upcall("OnInstanceDestroyed", in, func() { in.peer.up.OnInstanceDestroyed(in.peer.id, in.id) })
}

// sync queues the request on the host thread in frame order, and replies
// from another goroutine so the connection keeps reading.
func (c *conn) sync(f Frame) {
	s := c.s
	s.mu.Lock()
	in, ok := s.instances[f.Instance]
	if !ok || in.conn != c {
		s.mu.Unlock()
		c.fail(f.Seq, "unknown instance %d", f.Instance)
		return
	}
	if in.pending {
		s.mu.Unlock()
		c.fail(f.Seq, "sync request already pending for instance %d", f.Instance)
		return
	}
	in.pending = true
	s.mu.Unlock()

	clearPending := func() {
		s.mu.Lock()
		in.pending = false
		s.mu.Unlock()
	}

	reply := make(chan string, 1)
	msg := f.Message
	if !s.host.Post(func(*goja.Runtime) { reply <- in.peer.up.OnSyncMessage(in.peer.id, in.id, msg) }) {
		clearPending()
		c.fail(f.Seq, "host stopped")
		return
	}

	go func() {
		var timeout <-chan time.Time
		if s.syncTimeout > 0 {
			t := time.NewTimer(s.syncTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case out := <-reply:
			clearPending()
			c.sendJSON(Frame{Op: OpSyncReply, Instance: in.id, Seq: f.Seq, Message: out})
		case <-timeout:
			clearPending()
			c.fail(f.Seq, "sync request timed out after %v", s.syncTimeout)
		case <-c.done:
		}
	}()
}
