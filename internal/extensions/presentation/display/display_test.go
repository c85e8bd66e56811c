package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ events []string }

func (r *recorder) DisplayAdded(id int) { r.events = append(r.events, "add", string(rune('0'+id))) }
func (r *recorder) DisplayRemoved(id int) {
	r.events = append(r.events, "remove", string(rune('0'+id)))
}

func TestDetect(t *testing.T) {
	t.Parallel()
	env := func(m map[string]string) func(string) string { return func(k string) string { return m[k] } }

	m := Detect(2, env(nil))
	require.Equal(t, "virtual", m.Kind())
	assert.Equal(t, []Display{{1, "virtual-1"}, {2, "virtual-2"}}, m.PresentationDisplays())

	m = Detect(0, env(map[string]string{"WAYLAND_DISPLAY": "wayland-0"}))
	assert.Equal(t, "virtual", m.Kind())
	assert.Empty(t, m.PresentationDisplays())

	m = Detect(0, env(nil))
	assert.Equal(t, "headless", m.Kind())
	assert.Empty(t, m.PresentationDisplays())
}

func TestVirtual(t *testing.T) {
	t.Parallel()
	v := NewVirtual()
	r := &recorder{}
	v.RegisterListener(r)
	v.RegisterListener(r)

	a := v.Add("tv")
	b := v.Add("")
	assert.Equal(t, Display{ID: 1, Name: "tv"}, a)
	assert.Equal(t, "virtual-2", b.Name)
	assert.True(t, v.Remove(1))
	assert.False(t, v.Remove(1))

	// reconnecting gets a fresh ID
	assert.Equal(t, 3, v.Add("tv").ID)

	v.UnregisterListener(r)
	v.Remove(2)
	assert.Equal(t, []string{"add", "1", "add", "2", "remove", "1", "add", "3"}, r.events)
	assert.Equal(t, []Display{{3, "tv"}}, v.PresentationDisplays())
}
