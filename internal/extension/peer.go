package extension

// Peer is an opaque handle to a native peer. The zero value is never valid.
type Peer int64

// InvalidPeer is returned when a peer could not be created.
const InvalidPeer Peer = 0

// Valid reports whether p could refer to a live peer.
func (p Peer) Valid() bool { return p != InvalidPeer }

// Native is the boundary to the engine side: it backs each extension with a
// peer, assigns instance IDs as script contexts bind the extension, and
// delivers messages to those contexts.
//
// Implementations must deliver Upcalls sequentially (never concurrently with
// each other), and must silently drop posts addressed to instances that no
// longer exist.
type Native interface {
	// CreatePeer allocates a peer for the named extension. It returns
	// InvalidPeer if no peer can be allocated.
	CreatePeer(name, jsAPI string, entryPoints []string, up Upcalls) Peer
	// DestroyPeer releases p. Later calls using p must be ignored.
	DestroyPeer(p Peer)
	PostMessage(p Peer, instance int64, msg string)
	PostBinaryMessage(p Peer, instance int64, msg []byte)
	BroadcastMessage(p Peer, msg string)
}

// Upcalls is how a Native reports script-side activity.
type Upcalls interface {
	OnInstanceCreated(p Peer, instance int64)
	OnInstanceDestroyed(p Peer, instance int64)
	OnMessage(p Peer, instance int64, msg string)
	OnSyncMessage(p Peer, instance int64, msg string) string
	OnBinaryMessage(p Peer, instance int64, msg []byte)
}
