// Package persons implements xwalk.test.persons, a small in-memory person
// database used to exercise the bridge end to end: structured arguments,
// replies, filtered queries and a periodic heartbeat.
//
// Each instance has its own database, dropped when the instance goes away.
package persons

import (
	_ "embed"
	"log/slog"
	"sync"
	"time"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extension/dispatch"
)

// Name is the extension's JavaScript namespace.
const Name = "xwalk.test.persons"

// DefaultHeartbeat is the heartbeat period.
const DefaultHeartbeat = 50 * time.Millisecond

//go:embed persons_api.js
var jsAPI string

// Definition returns the extension's definition.
func Definition() extension.Definition {
	return extension.Definition{Name: Name, JSAPI: jsAPI}
}

// Person is one database row.
type Person struct {
	Name string `json:"name" expr:"name"`
	Age  int    `json:"age" expr:"age"`
}

type state struct {
	db []Person

	heartbeat *time.Ticker
	stop      chan struct{}
	counter   int
}

// Handler implements the extension.
type Handler struct {
	*dispatch.Mux
	period  time.Duration
	filters *filterCache

	mu        sync.Mutex
	instances map[int64]*state
}

var _ extension.Shutdowner = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat sets the heartbeat period.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.period = d }
}

// New returns a Handler.
func New(logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		Mux:       dispatch.NewMux(logger),
		period:    DefaultHeartbeat,
		filters:   newFilterCache(64),
		instances: make(map[int64]*state),
	}
	for _, o := range opts {
		o(h)
	}
	h.Handle("clearDatabase", h.clearDatabase)
	h.Handle("addPerson", h.addPerson)
	h.Handle("addPersonObject", h.addPersonObject)
	h.Handle("getAllPersons", h.getAllPersons)
	h.Handle("getPersonAge", h.getPersonAge)
	h.Handle("findPersons", h.findPersons)
	h.Handle("startHeartbeat", h.startHeartbeat)
	h.Handle("stopHeartbeat", h.stopHeartbeat)
	return h
}

func (h *Handler) OnInstanceCreated(instance int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instances[instance] = &state{}
}

func (h *Handler) OnInstanceDestroyed(instance int64) {
	h.mu.Lock()
	s := h.instances[instance]
	delete(h.instances, instance)
	h.mu.Unlock()
	if s != nil {
		h.stopTicker(s)
	}
}

// Shutdown implements extension.Shutdowner.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	all := h.instances
	h.instances = make(map[int64]*state)
	h.mu.Unlock()
	for _, s := range all {
		h.stopTicker(s)
	}
}

// Persons returns a copy of an instance's database.
func (h *Handler) Persons(instance int64) []Person {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.instances[instance]; s != nil {
		return append([]Person(nil), s.db...)
	}
	return nil
}

// with runs fn on the instance's state under the lock.
func (h *Handler) with(c *dispatch.Call, fn func(s *state) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.instances[c.Instance]
	if s == nil {
		return dispatch.NewError("InvalidStateError", "instance %d is not bound", c.Instance)
	}
	return fn(s)
}

func (h *Handler) clearDatabase(c *dispatch.Call) error {
	return h.with(c, func(s *state) error {
		s.db = nil
		return nil
	})
}

type addPersonArgs struct {
	Name *string `json:"name"`
	Age  *int    `json:"age"`
}

func (a addPersonArgs) person(cmd string) (Person, error) {
	if a.Name == nil || a.Age == nil {
		return Person{}, dispatch.NewError("TypeMismatchError", "%s: name and age are required", cmd)
	}
	return Person{Name: *a.Name, Age: *a.Age}, nil
}

func (h *Handler) add(c *dispatch.Call, args addPersonArgs) error {
	p, err := args.person(c.Cmd)
	if err != nil {
		h.Logger().Warn("malformed parameters", slog.String("cmd", c.Cmd), slog.Any("error", err))
		return nil
	}
	return h.with(c, func(s *state) error {
		s.db = append(s.db, p)
		return nil
	})
}

func (h *Handler) addPerson(c *dispatch.Call) error {
	var args addPersonArgs
	if err := c.Decode(&args); err != nil {
		h.Logger().Warn("malformed parameters", slog.String("cmd", c.Cmd), slog.Any("error", err))
		return nil
	}
	return h.add(c, args)
}

func (h *Handler) addPersonObject(c *dispatch.Call) error {
	var req struct {
		Person addPersonArgs `json:"person"`
	}
	if err := c.Decode(&req); err != nil {
		h.Logger().Warn("malformed parameters", slog.String("cmd", c.Cmd), slog.Any("error", err))
		return nil
	}
	return h.add(c, req.Person)
}

type personList struct {
	Persons []Person `json:"persons"`
	Size    int      `json:"size"`
}

func (h *Handler) getAllPersons(c *dispatch.Call) error {
	var req struct {
		MaxSize *int `json:"max_size"`
	}
	if err := c.Decode(&req); err != nil {
		return err
	}
	if req.MaxSize == nil || *req.MaxSize < 0 {
		return dispatch.NewError("TypeMismatchError", "getAllPersons: max_size must be a non-negative integer")
	}
	return h.with(c, func(s *state) error {
		n := min(len(s.db), *req.MaxSize)
		c.Reply(personList{Persons: append([]Person{}, s.db[:n]...), Size: n})
		return nil
	})
}

// getPersonAge replies with the age of the last person with the given
// name, or -1.
func (h *Handler) getPersonAge(c *dispatch.Call) error {
	var req struct {
		Name *string `json:"name"`
	}
	if err := c.Decode(&req); err != nil {
		return err
	}
	if req.Name == nil {
		return dispatch.NewError("TypeMismatchError", "getPersonAge: name is required")
	}
	return h.with(c, func(s *state) error {
		age := -1
		for _, p := range s.db {
			if p.Name == *req.Name {
				age = p.Age
			}
		}
		c.Reply(age)
		return nil
	})
}

func (h *Handler) findPersons(c *dispatch.Call) error {
	var req struct {
		Filter string `json:"filter"`
	}
	if err := c.Decode(&req); err != nil {
		return err
	}
	match, err := h.filters.get(req.Filter)
	if err != nil {
		return dispatch.NewError("SyntaxError", "findPersons: %v", err)
	}
	return h.with(c, func(s *state) error {
		found := []Person{}
		for _, p := range s.db {
			ok, err := match(p)
			if err != nil {
				return dispatch.NewError("TypeMismatchError", "findPersons: %v", err)
			}
			if ok {
				found = append(found, p)
			}
		}
		c.Reply(personList{Persons: found, Size: len(found)})
		return nil
	})
}

// startHeartbeat replies to the same call every period with an increasing
// counter, until stopHeartbeat. Starting again restarts the timer against
// the new call; the counter carries on.
func (h *Handler) startHeartbeat(c *dispatch.Call) error {
	var stopOld func()
	err := h.with(c, func(s *state) error {
		if s.heartbeat != nil {
			old, oldStop := s.heartbeat, s.stop
			stopOld = func() {
				old.Stop()
				close(oldStop)
			}
		}
		s.heartbeat = time.NewTicker(h.period)
		s.stop = make(chan struct{})
		go h.beat(c, s, s.heartbeat, s.stop)
		return nil
	})
	if stopOld != nil {
		stopOld()
	}
	return err
}

func (h *Handler) beat(c *dispatch.Call, s *state, t *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-t.C:
		case <-stop:
			return
		}
		// replying under the lock means nothing is posted once stopTicker
		// has returned
		h.mu.Lock()
		if s.stop != stop {
			h.mu.Unlock()
			return
		}
		c.Reply(s.counter)
		s.counter++
		h.mu.Unlock()
	}
}

func (h *Handler) stopHeartbeat(c *dispatch.Call) error {
	var s *state
	err := h.with(c, func(st *state) error {
		s = st
		return nil
	})
	if err != nil {
		return err
	}
	h.stopTicker(s)
	return nil
}

func (h *Handler) stopTicker(s *state) {
	h.mu.Lock()
	t, stop := s.heartbeat, s.stop
	s.heartbeat, s.stop = nil, nil
	h.mu.Unlock()
	if t != nil {
		t.Stop()
		close(stop)
	}
}
