package echo

import (
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	t.Parallel()
	h := testutil.NewHarness(t, Definition(), New())
	h.Create(1)

	h.Send(1, "hello")
	assert.Equal(t, "From java:hello", h.SendSync(1, "world"))
	h.SendBinary(1, []byte{0, 1, 2})

	posts := h.Native.TakePosts()
	require.Len(t, posts, 2)
	assert.Equal(t, testutil.Post{Peer: h.Ext.Peer(), Instance: 1, Msg: "From java:hello"}, posts[0])
	assert.Equal(t, testutil.Post{Peer: h.Ext.Peer(), Instance: 1, Msg: "\x00\x01\x02", Binary: true}, posts[1])
}

func TestEcho_EmptyMessage(t *testing.T) {
	t.Parallel()
	h := testutil.NewHarness(t, Definition(), New())
	h.Create(1)
	assert.Equal(t, Prefix, h.SendSync(1, ""))
}
