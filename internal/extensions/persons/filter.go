package persons

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// filterCache is a bounded LRU of compiled findPersons filters.
type filterCache struct {
	mu      sync.Mutex
	limit   int
	order   *list.List // front is most recent
	entries map[string]*list.Element
}

type filterEntry struct {
	source  string
	program *vm.Program
}

func newFilterCache(limit int) *filterCache {
	return &filterCache{limit: limit, order: list.New(), entries: make(map[string]*list.Element)}
}

// get returns a matcher for source. An empty source matches everyone.
func (c *filterCache) get(source string) (func(Person) (bool, error), error) {
	if source == "" {
		return func(Person) (bool, error) { return true, nil }, nil
	}
	program, err := c.program(source)
	if err != nil {
		return nil, err
	}
	return func(p Person) (bool, error) {
		out, err := expr.Run(program, p)
		if err != nil {
			return false, err
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("filter returned %T, want bool", out)
		}
		return ok, nil
	}, nil
}

func (c *filterCache) program(source string) (*vm.Program, error) {
	c.mu.Lock()
	if el, ok := c.entries[source]; ok {
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return el.Value.(*filterEntry).program, nil
	}
	c.mu.Unlock()

	program, err := expr.Compile(source, expr.Env(Person{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[source]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*filterEntry).program, nil
	}
	c.entries[source] = c.order.PushFront(&filterEntry{source: source, program: program})
	for c.order.Len() > c.limit {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*filterEntry).source)
	}
	return program, nil
}

func (c *filterCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
