package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T, path string) (*testutil.Harness, *Handler) {
	t.Helper()
	store, err := Open(path)
	require.NoError(t, err)
	h := New(store, nil)
	return testutil.NewHarness(t, Definition(), h), h
}

func ptr(s string) *string { return &s }

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	old, err := s.Set(ctx, "a", "1")
	require.NoError(t, err)
	assert.Nil(t, old)
	old, err = s.Set(ctx, "a", "2")
	require.NoError(t, err)
	assert.Equal(t, ptr("1"), old)

	_, err = s.Set(ctx, "ab", "x")
	require.NoError(t, err)
	_, err = s.Set(ctx, "b", "y")
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab"}, keys)
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b"}, keys)
	keys, err = s.Keys(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, keys)

	old, err = s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ptr("2"), old)
	old, err = s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, old)

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_Persists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "storage.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Set(ctx, "k", "v")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestStorage_SetGetRemove(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t, "")
	h.Create(1)

	assert.Equal(t, map[string]any{"value": nil}, h.SendSyncJSON(1, map[string]any{"cmd": "get", "key": "greeting"}))

	h.SendJSON(1, map[string]any{"cmd": "set", "asyncCallId": 1, "key": "greeting", "value": "hello"})
	h.SendJSON(1, map[string]any{"cmd": "set", "asyncCallId": 2, "key": "greeting", "value": "hi"})
	assert.Equal(t, []map[string]any{
		{"asyncCallId": float64(1), "data": map[string]any{"value": nil}},
		{"asyncCallId": float64(2), "data": map[string]any{"value": "hello"}},
	}, h.TakeJSON())
	assert.Equal(t, map[string]any{"value": "hi"}, h.SendSyncJSON(1, map[string]any{"cmd": "get", "key": "greeting"}))

	h.SendJSON(1, map[string]any{"cmd": "keys", "asyncCallId": 3})
	h.SendJSON(1, map[string]any{"cmd": "remove", "asyncCallId": 4, "key": "greeting"})
	h.SendJSON(1, map[string]any{"cmd": "keys", "asyncCallId": 5, "prefix": "g"})
	assert.Equal(t, []map[string]any{
		{"asyncCallId": float64(3), "data": []any{"greeting"}},
		{"asyncCallId": float64(4), "data": map[string]any{"value": "hi"}},
		{"asyncCallId": float64(5), "data": []any{}},
	}, h.TakeJSON())
}

func TestStorage_InvalidRequests(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t, "")
	h.Create(1)

	reply := h.SendSyncJSON(1, map[string]any{"cmd": "get"})
	assert.Equal(t, "InvalidParameterError", reply["error"].(map[string]any)["name"])
	reply = h.SendSyncJSON(1, map[string]any{"cmd": "get", "key": 5})
	assert.Equal(t, "TypeMismatchError", reply["error"].(map[string]any)["name"])

	h.SendJSON(1, map[string]any{"cmd": "set", "asyncCallId": 1, "key": "k"})
	h.SendJSON(1, map[string]any{"cmd": "removeListener", "asyncCallId": 2, "listenerId": 9})
	got := h.TakeJSON()
	require.Len(t, got, 2)
	assert.Equal(t, "InvalidParameterError", got[0]["error"].(map[string]any)["name"])
	assert.Equal(t, "NotFoundError", got[1]["error"].(map[string]any)["name"])
}

func TestStorage_Listeners(t *testing.T) {
	t.Parallel()
	h, handler := newHarness(t, "")
	h.Create(1)
	h.Create(2)

	h.SendJSON(1, map[string]any{"cmd": "addListener", "asyncCallId": 1, "listenerId": 10, "prefix": "user."})
	h.SendJSON(2, map[string]any{"cmd": "addListener", "asyncCallId": 1, "listenerId": 20, "prefix": ""})
	h.Native.TakePosts()

	h.SendJSON(1, map[string]any{"cmd": "set", "key": "user.name", "value": "ada"})
	h.SendJSON(1, map[string]any{"cmd": "set", "key": "theme", "value": "dark"})
	// unchanged value: no event
	h.SendJSON(1, map[string]any{"cmd": "set", "key": "theme", "value": "dark"})

	var events []testutil.Post
	for _, p := range h.Native.TakePosts() {
		if strings.HasPrefix(p.Msg, `{"eventName":"change"`) {
			events = append(events, p)
		}
	}
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Instance)
	assert.JSONEq(t, `{"eventName":"change","data":{"listenerId":10,"key":"user.name","oldValue":null,"newValue":"ada"}}`, events[0].Msg)
	assert.Equal(t, int64(2), events[1].Instance)
	assert.JSONEq(t, `{"eventName":"change","data":{"listenerId":20,"key":"user.name","oldValue":null,"newValue":"ada"}}`, events[1].Msg)
	assert.Equal(t, int64(2), events[2].Instance)
	assert.JSONEq(t, `{"eventName":"change","data":{"listenerId":20,"key":"theme","oldValue":null,"newValue":"dark"}}`, events[2].Msg)

	// destroyed instances lose their listeners
	h.Destroy(2)
	assert.Equal(t, 0, handler.Listeners(2))
	assert.Equal(t, 1, handler.Listeners(1))

	h.SendJSON(1, map[string]any{"cmd": "removeListener", "asyncCallId": 2, "listenerId": 10})
	assert.Equal(t, 0, handler.Listeners(1))
}

func TestStorage_ClearBroadcasts(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t, "")
	h.Create(1)
	h.Create(2)
	h.SendJSON(1, map[string]any{"cmd": "set", "key": "a", "value": "1"})
	h.SendJSON(1, map[string]any{"cmd": "set", "key": "b", "value": "2"})
	h.Native.TakePosts()

	h.SendJSON(2, map[string]any{"cmd": "clear", "asyncCallId": 1})
	posts := h.Native.TakePosts()
	require.Len(t, posts, 2)
	assert.Equal(t, int64(2), posts[0].Instance)
	assert.JSONEq(t, `{"asyncCallId":1,"data":{"removed":2}}`, posts[0].Msg)
	assert.True(t, posts[1].Broadcast)
	assert.JSONEq(t, `{"eventName":"clear","data":{"removed":2}}`, posts[1].Msg)

	// every clear is announced, even of an empty store
	h.SendJSON(1, map[string]any{"cmd": "clear", "asyncCallId": 2})
	posts = h.Native.TakePosts()
	require.Len(t, posts, 2)
	assert.Equal(t, int64(1), posts[0].Instance)
	assert.True(t, posts[1].Broadcast)
	assert.JSONEq(t, `{"eventName":"clear","data":{"removed":0}}`, posts[1].Msg)
}

func TestStorage_ShutdownClosesStore(t *testing.T) {
	t.Parallel()
	h, handler := newHarness(t, "")
	h.Ext.Destroy()
	_, _, err := handler.store.Get(context.Background(), "k")
	assert.Error(t, err)
}
