package presentation

import (
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/extensions/presentation/display"
	"github.com/joeycumines/xwalk-bridge/internal/lifecycle"
	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	*testutil.Harness
	handler  *Handler
	displays *display.Virtual
	host     *lifecycle.Host
}

func newFixture(t *testing.T, displays int) *fixture {
	t.Helper()
	v := display.NewVirtual()
	for range displays {
		v.Add("")
	}
	h := New(v, nil)
	f := &fixture{
		Harness:  testutil.NewHarness(t, Definition(), h),
		handler:  h,
		displays: v,
		host:     lifecycle.New(nil),
	}
	f.host.Add(h)
	f.host.Resume()
	f.Create(1)
	f.Create(2)
	return f
}

func TestPresentation_GetAvailability(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	assert.Equal(t, "false", f.SendSync(1, "GetAvailability"))
	assert.Equal(t, "false", f.SendSync(1, `{"cmd":"GetAvailability"}`))

	f.displays.Add("tv")
	assert.Equal(t, "true", f.SendSync(1, "GetAvailability"))
	assert.Equal(t, "true", f.SendSync(1, `{"cmd":"GetAvailability"}`))

	assert.Empty(t, f.SendSync(1, "Nonsense"))
}

func TestPresentation_AvailabilityChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	a := f.displays.Add("")
	b := f.displays.Add("")
	f.displays.Remove(a.ID)
	f.displays.Remove(b.ID)

	posts := f.Native.TakePosts()
	require.Len(t, posts, 2, "only the first arrival and the last removal notify")
	for _, p := range posts {
		assert.True(t, p.Broadcast)
	}
	assert.JSONEq(t, `{"cmd":"AvailabilityChange","data":true}`, posts[0].Msg)
	assert.JSONEq(t, `{"cmd":"AvailabilityChange","data":false}`, posts[1].Msg)
}

func TestPresentation_StartSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	f.SendJSON(1, map[string]any{"cmd": "StartSession", "requestId": 0, "url": "slides.html", "baseUrl": "https://example.com/deck/index.html"})
	got := f.TakeJSON()
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"cmd": "SessionStartSucceeded", "requestId": float64(0), "data": float64(1)}, got[0])

	s, ok := f.handler.Session()
	require.True(t, ok)
	assert.Equal(t, "https://example.com/deck/slides.html", s.URL)
	assert.Equal(t, int64(1), s.Instance)

	// only one presentation at a time
	f.SendJSON(2, map[string]any{"cmd": "StartSession", "requestId": 3, "url": "https://example.com/"})
	posts := f.Native.TakePosts()
	require.Len(t, posts, 1)
	assert.Equal(t, int64(2), posts[0].Instance)
	assert.JSONEq(t, `{"cmd":"SessionStartFailed","requestId":3,"data":"InvalidAccessError"}`, posts[0].Msg)
}

func TestPresentation_StartSessionFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.SendJSON(1, map[string]any{"cmd": "StartSession", "requestId": 1, "url": "https://example.com/"})
	assert.Equal(t, []map[string]any{{"cmd": "SessionStartFailed", "requestId": float64(1), "data": "NotFoundError"}}, f.TakeJSON())

	f.displays.Add("")
	f.Native.TakePosts()
	f.SendJSON(1, map[string]any{"cmd": "StartSession", "requestId": 2, "url": "relative.html", "baseUrl": ""})
	assert.Equal(t, []map[string]any{{"cmd": "SessionStartFailed", "requestId": float64(2), "data": "InvalidParameterError"}}, f.TakeJSON())

	// no requestId: nothing to answer
	f.SendJSON(1, map[string]any{"cmd": "StartSession", "url": "https://example.com/"})
	assert.Empty(t, f.Native.Posts())
	_, ok := f.handler.Session()
	assert.False(t, ok)
}

func TestPresentation_Relay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	f.SendJSON(1, map[string]any{"cmd": "SendMessageToRemoteDisplay", "presentationId": 1, "data": "next"})
	f.SendJSON(2, map[string]any{"cmd": "SendMessageToHostDisplay", "presentationId": 1, "data": "ack"})

	posts := f.Native.TakePosts()
	require.Len(t, posts, 2)
	assert.True(t, posts[0].Broadcast)
	assert.JSONEq(t, `{"cmd":"SessionMessageToRemoteReceived","presentationId":1,"data":"next"}`, posts[0].Msg)
	assert.JSONEq(t, `{"cmd":"SessionMessageToHostReceived","presentationId":1,"data":"ack"}`, posts[1].Msg)
}

func TestPresentation_LastDisplayClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.SendJSON(1, map[string]any{"cmd": "StartSession", "requestId": 0, "url": "https://example.com/"})
	_, ok := f.handler.Session()
	require.True(t, ok)

	f.displays.Remove(f.displays.PresentationDisplays()[0].ID)
	_, ok = f.handler.Session()
	assert.False(t, ok)
}

func TestPresentation_PauseStopsListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	f.host.Pause()
	f.displays.Add("")
	assert.Empty(t, f.Native.Posts())
	assert.Equal(t, "false", f.SendSync(1, "GetAvailability"))

	// resume reconciles what was missed
	f.host.Resume()
	posts := f.Native.TakePosts()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"cmd":"AvailabilityChange","data":true}`, posts[0].Msg)
	assert.Equal(t, "true", f.SendSync(1, "GetAvailability"))

	f.displays.Add("")
	assert.Empty(t, f.Native.Posts(), "already available")
}

func TestPresentation_ShutdownUnregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.Ext.Destroy()
	f.displays.Add("")
	assert.Empty(t, f.Native.Posts())
}

func TestResolve(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		raw, base, want string
		ok              bool
	}{
		{"https://a.example/x", "", "https://a.example/x", true},
		{"y.html", "https://a.example/dir/x.html", "https://a.example/dir/y.html", true},
		{"/root.html", "https://a.example/dir/x.html", "https://a.example/root.html", true},
		{"y.html", "not absolute", "", false},
		{"", "https://a.example/", "", false},
		{"%zz", "https://a.example/", "", false},
	} {
		got, ok := resolve(tc.raw, tc.base)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
