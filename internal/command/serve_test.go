package command

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/remote"
	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_EchoOverWebsocket(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	a, stdout, _ := e.app("")
	s, err := a.settings("serve")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serveOn(ctx, s, ln) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), testutil.DeliveryTimeout)
	defer dialCancel()
	c, err := remote.Dial(dialCtx, "ws://"+ln.Addr().String()+"/", nil)
	require.NoError(t, err)

	exts, err := c.Extensions(dialCtx)
	require.NoError(t, err)
	var names []string
	for _, d := range exts {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "echo")

	id, err := c.Bind(dialCtx, "echo")
	require.NoError(t, err)
	reply, err := c.Sync(dialCtx, id, "hi")
	require.NoError(t, err)
	assert.Equal(t, "From java:hi", reply)

	require.NoError(t, c.Post(id, "ping"))
	frame, err := c.Next(dialCtx)
	require.NoError(t, err)
	assert.Equal(t, remote.Frame{Op: remote.OpMessage, Instance: id, Message: "From java:ping"}, frame)
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-dialCtx.Done():
		t.Fatal("server did not shut down")
	}
	assert.Contains(t, stdout.String(), "listening on ws://"+ln.Addr().String()+"/")
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "http://localhost/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.Nil(t, checkOrigin(nil))

	any := checkOrigin([]string{"*"})
	assert.True(t, any(req("https://evil.example")))

	some := checkOrigin([]string{"https://app.example"})
	assert.True(t, some(req("https://app.example")))
	assert.True(t, some(req("")))
	assert.False(t, some(req("https://evil.example")))
}
