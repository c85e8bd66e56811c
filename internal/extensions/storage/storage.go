// Package storage implements xwalk.storage: a persistent string key/value
// store shared by every script context, backed by SQLite.
//
// Instances register listeners for a key prefix; each change to a matching
// key is posted to the listening instance as a "change" event. Clearing the
// store is broadcast to every instance.
package storage

import (
	"context"
	_ "embed"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extension/dispatch"
)

// Name is the extension's JavaScript namespace.
const Name = "xwalk.storage"

//go:embed storage_api.js
var jsAPI string

// Definition returns the extension's definition.
func Definition() extension.Definition {
	return extension.Definition{Name: Name, JSAPI: jsAPI}
}

// opTimeout bounds each database operation; the host thread waits on it.
const opTimeout = 5 * time.Second

type keyRequest struct {
	Key *string `json:"key"`
}

type setRequest struct {
	Key   *string `json:"key"`
	Value *string `json:"value"`
}

type listenerRequest struct {
	ListenerID *int64 `json:"listenerId"`
	Prefix     string `json:"prefix"`
}

type keysRequest struct {
	Prefix string `json:"prefix"`
}

// Change describes one modified key. A nil OldValue means the key was
// absent; a nil NewValue means it was removed.
type Change struct {
	ListenerID int64   `json:"listenerId"`
	Key        string  `json:"key"`
	OldValue   *string `json:"oldValue"`
	NewValue   *string `json:"newValue"`
}

type valueReply struct {
	Value *string `json:"value"`
}

// Handler implements the extension.
type Handler struct {
	*dispatch.Mux
	store *Store

	mu        sync.Mutex
	listeners map[int64]map[int64]string // instance -> listener ID -> key prefix
}

var _ extension.Shutdowner = (*Handler)(nil)

// New returns a Handler over store. The handler owns store and closes it on
// shutdown.
func New(store *Store, logger *slog.Logger) *Handler {
	h := &Handler{
		Mux:       dispatch.NewMux(logger),
		store:     store,
		listeners: make(map[int64]map[int64]string),
	}
	h.HandleSync("get", h.get)
	h.Handle("set", h.set)
	h.Handle("remove", h.remove)
	h.Handle("clear", h.clear)
	h.Handle("keys", h.keys)
	h.Handle("addListener", h.addListener)
	h.Handle("removeListener", h.removeListener)
	return h
}

func (h *Handler) OnInstanceDestroyed(instance int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, instance)
}

// Shutdown implements extension.Shutdowner.
func (h *Handler) Shutdown() {
	if err := h.store.Close(); err != nil {
		h.Logger().Warn("failed to close storage", slog.Any("error", err))
	}
}

// Listeners returns the number of listeners registered by instance.
func (h *Handler) Listeners(instance int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[instance])
}

func requireKey(cmd string, key *string) (string, error) {
	if key == nil || *key == "" {
		return "", dispatch.NewError("InvalidParameterError", "%s: key must be a non-empty string", cmd)
	}
	return *key, nil
}

func (h *Handler) get(c *dispatch.Call) (any, error) {
	var req keyRequest
	if err := c.Decode(&req); err != nil {
		return nil, err
	}
	key, err := requireKey(c.Cmd, req.Key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	v, ok, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return valueReply{}, nil
	}
	return valueReply{Value: &v}, nil
}

func (h *Handler) set(c *dispatch.Call) error {
	var req setRequest
	if err := c.Decode(&req); err != nil {
		return err
	}
	key, err := requireKey(c.Cmd, req.Key)
	if err != nil {
		return err
	}
	if req.Value == nil {
		return dispatch.NewError("InvalidParameterError", "set: value must be a string")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	old, err := h.store.Set(ctx, key, *req.Value)
	if err != nil {
		return err
	}
	c.Reply(valueReply{Value: old})
	if old == nil || *old != *req.Value {
		h.notify(key, old, req.Value)
	}
	return nil
}

func (h *Handler) remove(c *dispatch.Call) error {
	var req keyRequest
	if err := c.Decode(&req); err != nil {
		return err
	}
	key, err := requireKey(c.Cmd, req.Key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	old, err := h.store.Remove(ctx, key)
	if err != nil {
		return err
	}
	c.Reply(valueReply{Value: old})
	if old != nil {
		h.notify(key, old, nil)
	}
	return nil
}

func (h *Handler) clear(c *dispatch.Call) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := h.store.Clear(ctx)
	if err != nil {
		return err
	}
	c.Reply(map[string]int64{"removed": n})
	h.Broadcast(dispatch.Event{EventName: "clear", Data: map[string]int64{"removed": n}})
	return nil
}

func (h *Handler) keys(c *dispatch.Call) error {
	var req keysRequest
	if err := c.Decode(&req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	keys, err := h.store.Keys(ctx, req.Prefix)
	if err != nil {
		return err
	}
	c.Reply(keys)
	return nil
}

func (h *Handler) addListener(c *dispatch.Call) error {
	var req listenerRequest
	if err := c.Decode(&req); err != nil {
		return err
	}
	if req.ListenerID == nil {
		return dispatch.NewError("InvalidParameterError", "addListener: listenerId is required")
	}
	h.mu.Lock()
	m := h.listeners[c.Instance]
	if m == nil {
		m = make(map[int64]string)
		h.listeners[c.Instance] = m
	}
	m[*req.ListenerID] = req.Prefix
	h.mu.Unlock()
	c.Reply(map[string]int64{"listenerId": *req.ListenerID})
	return nil
}

func (h *Handler) removeListener(c *dispatch.Call) error {
	var req listenerRequest
	if err := c.Decode(&req); err != nil {
		return err
	}
	if req.ListenerID == nil {
		return dispatch.NewError("InvalidParameterError", "removeListener: listenerId is required")
	}
	h.mu.Lock()
	_, found := h.listeners[c.Instance][*req.ListenerID]
	delete(h.listeners[c.Instance], *req.ListenerID)
	if len(h.listeners[c.Instance]) == 0 {
		delete(h.listeners, c.Instance)
	}
	h.mu.Unlock()
	if !found {
		return dispatch.NewError("NotFoundError", "removeListener: no listener %d", *req.ListenerID)
	}
	c.Reply(map[string]int64{"listenerId": *req.ListenerID})
	return nil
}

// notify posts a change event to each matching listener, in instance then
// listener order.
func (h *Handler) notify(key string, old, cur *string) {
	type target struct{ instance, listener int64 }
	var targets []target
	h.mu.Lock()
	for _, instance := range slices.Sorted(maps.Keys(h.listeners)) {
		m := h.listeners[instance]
		for _, id := range slices.Sorted(maps.Keys(m)) {
			if strings.HasPrefix(key, m[id]) {
				targets = append(targets, target{instance, id})
			}
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.Post(t.instance, dispatch.Event{
			EventName: "change",
			Data:      Change{ListenerID: t.listener, Key: key, OldValue: old, NewValue: cur},
		})
	}
}
