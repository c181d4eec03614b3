package core

// Frame is a raw serialized payload destined for one connection.
type Frame []byte

// SignalConnection abstracts the duplex transport behind a registry entry.
// Owned by the adapter; the adapter must Close() it. TrySend never blocks:
// a full send buffer yields an error instead of holding up the caller.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
