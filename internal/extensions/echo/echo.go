// Package echo is the smallest useful extension: it answers every message
// with the same text prefixed, and echoes binary payloads unchanged.
package echo

import (
	_ "embed"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
)

// Name is the extension's JavaScript namespace.
const Name = "echo"

// Prefix is prepended to every reply.
const Prefix = "From java:"

//go:embed echo_api.js
var jsAPI string

// Definition returns the echo extension's definition.
func Definition() extension.Definition {
	return extension.Definition{Name: Name, JSAPI: jsAPI}
}

// Handler implements the echo extension.
type Handler struct {
	extension.BaseHandler
}

// New returns a Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) OnMessage(instance int64, msg string) { h.PostMessage(instance, Prefix+msg) }

func (h *Handler) OnSyncMessage(_ int64, msg string) string { return Prefix + msg }

func (h *Handler) OnBinaryMessage(instance int64, msg []byte) { h.PostBinaryMessage(instance, msg) }
