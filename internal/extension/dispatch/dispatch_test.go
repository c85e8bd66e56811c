package dispatch

import (
	"errors"
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMux(t *testing.T) (*Mux, *testutil.Harness) {
	t.Helper()
	m := NewMux(nil)
	h := testutil.NewHarness(t, extension.Definition{Name: "test.mux"}, m)
	m.logger = testutil.NewLogger(h.Logs)
	h.Create(1)
	return m, h
}

func TestMux_AsyncReply(t *testing.T) {
	t.Parallel()
	m, h := newMux(t)
	m.Handle("add", func(c *Call) error {
		var req struct{ A, B int }
		if err := c.Decode(&req); err != nil {
			return err
		}
		c.Reply(req.A + req.B)
		return nil
	})

	h.SendJSON(1, map[string]any{"cmd": "add", "asyncCallId": 7, "A": 2, "B": 3})
	h.SendJSON(1, map[string]any{"cmd": "add", "asyncCallId": 8})
	assert.Equal(t, []map[string]any{
		{"asyncCallId": float64(7), "data": float64(5)},
		{"asyncCallId": float64(8), "data": float64(0)},
	}, h.TakeJSON())
}

func TestMux_AsyncErrorReply(t *testing.T) {
	t.Parallel()
	m, h := newMux(t)
	m.Handle("find", func(*Call) error { return NewError("NotFoundError", "no %s", "thing") })
	m.Handle("plain", func(*Call) error { return errors.New("boom") })

	h.SendJSON(1, map[string]any{"cmd": "find", "asyncCallId": 1})
	h.SendJSON(1, map[string]any{"cmd": "plain", "asyncCallId": 2})
	assert.Equal(t, []map[string]any{
		{"asyncCallId": float64(1), "error": map[string]any{"name": "NotFoundError", "message": "no thing"}},
		{"asyncCallId": float64(2), "error": map[string]any{"name": "Error", "message": "boom"}},
	}, h.TakeJSON())
}

func TestMux_Sync(t *testing.T) {
	t.Parallel()
	m, h := newMux(t)
	m.HandleSync("available", func(*Call) (any, error) { return false, nil })
	m.HandleSync("broken", func(*Call) (any, error) { return nil, NewError("InvalidStateError", "closed") })

	assert.Equal(t, "false", h.SendSync(1, `{"cmd":"available"}`))
	assert.Equal(t, `{"error":{"name":"InvalidStateError","message":"closed"}}`, h.SendSync(1, `{"cmd":"broken"}`))
	assert.Empty(t, h.Native.Posts())
}

func TestMux_MalformedAndUnknown(t *testing.T) {
	t.Parallel()
	m, h := newMux(t)
	var calls int
	m.Handle("ok", func(c *Call) error {
		calls++
		c.Reply("fine")
		return nil
	})

	h.Send(1, "not json")
	assert.Equal(t, "", h.SendSync(1, "{truncated"))
	h.SendJSON(1, map[string]any{"cmd": "nope"})
	assert.Equal(t, "", h.SendSync(1, `{"cmd":"nope"}`))
	assert.Empty(t, h.Native.Posts())

	h.SendJSON(1, map[string]any{"cmd": "ok"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, []map[string]any{{"data": "fine"}}, h.TakeJSON())

	logs := h.Logs.String()
	assert.Contains(t, logs, "dropping malformed message")
	assert.Contains(t, logs, "unknown command")
	assert.Contains(t, logs, "unknown sync command")
}

func TestMux_BroadcastEvent(t *testing.T) {
	t.Parallel()
	m, h := newMux(t)
	h.Create(2)

	m.Broadcast(Event{Reply: "onattach", EventName: "storage", Data: map[string]any{"id": "a"}})
	posts := h.Native.TakePosts()
	require.Len(t, posts, 1)
	assert.True(t, posts[0].Broadcast)
	assert.JSONEq(t, `{"reply":"onattach","eventName":"storage","data":{"id":"a"}}`, posts[0].Msg)
}

func TestMux_Commands(t *testing.T) {
	t.Parallel()
	m := NewMux(nil)
	m.Handle("b", func(*Call) error { return nil })
	m.Handle("a", func(*Call) error { return nil })
	m.HandleSync("c", func(*Call) (any, error) { return nil, nil })
	async, sync := m.Commands()
	assert.Equal(t, []string{"a", "b"}, async)
	assert.Equal(t, []string{"c"}, sync)
}
