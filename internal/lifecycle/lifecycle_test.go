package lifecycle

import (
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	name   string
	events *[]string
	panics bool
}

func (r *recorder) OnResume() {
	*r.events = append(*r.events, r.name+":resume")
	if r.panics {
		panic("boom")
	}
}
func (r *recorder) OnPause()   { *r.events = append(*r.events, r.name+":pause") }
func (r *recorder) OnDestroy() { *r.events = append(*r.events, r.name+":destroy") }

func TestHost(t *testing.T) {
	t.Parallel()
	var events []string
	h := New(nil)
	a := &recorder{name: "a", events: &events}
	b := &recorder{name: "b", events: &events}
	h.Add(a)
	h.Add(a)
	h.Add(b)

	h.Pause() // not resumed yet
	h.Resume()
	h.Resume()
	h.Pause()
	h.Remove(b)
	h.Resume()
	h.Destroy()
	h.Resume()

	assert.Equal(t, []string{
		"a:resume", "b:resume",
		"a:pause", "b:pause",
		"a:resume",
		"a:pause", "a:destroy",
	}, events)
	assert.Equal(t, Destroyed, h.State())
}

func TestHost_AddWhileResumed(t *testing.T) {
	t.Parallel()
	var events []string
	h := New(nil)
	h.Resume()
	h.Add(&recorder{name: "late", events: &events})
	assert.Equal(t, []string{"late:resume"}, events)
}

func TestHost_ListenerPanicIsContained(t *testing.T) {
	t.Parallel()
	var events []string
	logs := &testutil.SyncBuffer{}
	h := New(testutil.NewLogger(logs))
	h.Add(&recorder{name: "bad", events: &events, panics: true})
	h.Add(&recorder{name: "good", events: &events})

	h.Resume()
	assert.Equal(t, []string{"bad:resume", "good:resume"}, events)
	assert.Contains(t, logs.String(), "lifecycle listener panicked")
	assert.Equal(t, Resumed, h.State())
}
