package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Operations carried in JSON text frames.
const (
	OpExtensions = "extensions"
	OpBind       = "bind"
	OpUnbind     = "unbind"
	OpPost       = "post"
	OpSync       = "sync"
	OpBound      = "bound"
	OpMessage    = "message"
	OpSyncReply  = "syncReply"
	OpError      = "error"
)

// Frame is a JSON text frame, in either direction. Fields are populated per
// Op.
type Frame struct {
	Op         string       `json:"op"`
	Extension  string       `json:"extension,omitempty"`
	Instance   int64        `json:"instance,omitempty"`
	Seq        int64        `json:"seq,omitempty"`
	Message    string       `json:"message,omitempty"`
	Error      string       `json:"error,omitempty"`
	Extensions []Descriptor `json:"extensions,omitempty"`
}

// Descriptor describes an extension available to remote contexts.
type Descriptor struct {
	Name        string   `json:"name"`
	JSAPI       string   `json:"jsapi"`
	EntryPoints []string `json:"entryPoints,omitempty"`
}

// binaryHeader is the instance ID prefix of binary frames.
const binaryHeader = 8

var errShortFrame = errors.New("binary frame shorter than instance header")

// encodeBinary prefixes payload with the big-endian instance ID.
func encodeBinary(instance int64, payload []byte) []byte {
	b := make([]byte, binaryHeader+len(payload))
	binary.BigEndian.PutUint64(b, uint64(instance))
	copy(b[binaryHeader:], payload)
	return b
}

// decodeBinary splits a binary frame. The payload aliases b.
func decodeBinary(b []byte) (int64, []byte, error) {
	if len(b) < binaryHeader {
		return 0, nil, fmt.Errorf("%w: %d bytes", errShortFrame, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), b[binaryHeader:], nil
}
