// Package flow holds the identities used to group captured TCP segments:
// the directional Key of one half of a connection and the direction-normalized
// Quad of the whole connection.
package flow

import (
	"cmp"
	"fmt"
	"net/netip"
)

// Protocol names the transport carried by a flow.
type Protocol string

const (
	TCP Protocol = "TCP"
)

// Direction enumerates stream directions.
type Direction string

const (
	DirClientToServer Direction = "c2s"
	DirServerToClient Direction = "s2c"
)

// Endpoint is one side of a transport conversation.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Compare orders endpoints by address, then port.
func (e Endpoint) Compare(o Endpoint) int {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	return cmp.Compare(e.Port, o.Port)
}

// Key identifies one direction of one connection.
type Key struct {
	Proto Protocol
	Src   Endpoint
	Dst   Endpoint
}

// NewKey builds a TCP key from its two endpoints.
func NewKey(src, dst Endpoint) Key {
	return Key{Proto: TCP, Src: src, Dst: dst}
}

// Opposing returns the key of the reverse direction.
func (k Key) Opposing() Key {
	return Key{Proto: k.Proto, Src: k.Dst, Dst: k.Src}
}

// IsOpposing reports whether o is the reverse direction of k.
func (k Key) IsOpposing(o Key) bool {
	return k.Opposing() == o
}

// String renders the key as "TCP 10.0.0.5:40000 > 93.1.1.1:443".
func (k Key) String() string {
	return fmt.Sprintf("%s %s > %s", k.Proto, k.Src, k.Dst)
}

func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Proto, o.Proto); c != 0 {
		return c
	}
	if c := k.Src.Compare(o.Src); c != 0 {
		return c
	}
	return k.Dst.Compare(o.Dst)
}

// Quad is the direction-normalized identity of a connection: the client side
// always comes first.
type Quad struct {
	Client Endpoint
	Server Endpoint
}

// QuadFor orients k against the configured client address. When the source of
// k is the client, k runs client to server; otherwise the destination is taken
// as the client.
func QuadFor(k Key, client netip.Addr) (Quad, Direction) {
	if k.Src.Addr == client {
		return Quad{Client: k.Src, Server: k.Dst}, DirClientToServer
	}
	return Quad{Client: k.Dst, Server: k.Src}, DirServerToClient
}

// Key returns the directional key for traffic flowing in dir.
func (q Quad) Key(dir Direction) Key {
	if dir == DirServerToClient {
		return NewKey(q.Server, q.Client)
	}
	return NewKey(q.Client, q.Server)
}

func (q Quad) String() string {
	return fmt.Sprintf("%s <> %s", q.Client, q.Server)
}

func (q Quad) Compare(o Quad) int {
	if c := q.Client.Compare(o.Client); c != 0 {
		return c
	}
	return q.Server.Compare(o.Server)
}
