package svc

import (
	"fmt"
	"net"

	"github.com/sunlightlinux/finitd/pkg/registry"
)

// InetdAccept describes one accepted connection on an inetd listener,
// handed to the event loop so it can register and start an inetd-conn
// service per the "inetd dispatches inetd-conn children per
// accept." Grounded on original_source/src/service.c's inetd fork-per-
// connection loop, trimmed to the minimum the Non-goals leave in
// scope: handing the accepted connection's file descriptor to a freshly
// registered service record, not a general protocol multiplexer.
type InetdAccept struct {
	Listener registry.Identity
	Conn net.Conn
	Seq int
}

// InetdListener wraps a single inetd service's net.Listener and feeds
// InetdAccept values to Accepted as connections arrive. It owns no shared
// state besides its own counters, so Run is safe to execute in its own
// goroutine: it only posts to a channel the event loop
// drains.
type InetdListener struct {
	ID registry.Identity
	Listener net.Listener
	Accepted chan InetdAccept

	seq int
}

// NewInetdListener wraps an already-bound net.Listener (TCP or Unix,
// depending on the service's config) for the named inetd identity.
func NewInetdListener(id registry.Identity, l net.Listener) *InetdListener {
	return &InetdListener{
		ID: id,
		Listener: l,
		Accepted: make(chan InetdAccept, 4),
	}
}

// Run accepts connections until the listener is closed, posting one
// InetdAccept per connection. Intended to run in its own goroutine.
func (l *InetdListener) Run() {
	defer close(l.Accepted)
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return
		}
		l.seq++
		l.Accepted <- InetdAccept{Listener: l.ID, Conn: conn, Seq: l.seq}
	}
}

// Close stops the listener and its Run goroutine.
func (l *InetdListener) Close() error {
	return l.Listener.Close()
}

// SpawnConnService registers a fresh inetd-conn Service for an accepted
// connection, deriving its identity from the listener's identity and the
// accept sequence number so concurrent connections never collide (identity
// is (cmd, id), id unique within the registry). The caller is
// responsible for stepping the returned identity through the Machine once
// registered; SpawnConnService only creates the record.
func SpawnConnService(reg *registry.Registry, accept InetdAccept, attrs Attributes) (registry.Identity, error) {
	id := registry.Identity{
		Cmd: accept.Listener.Cmd,
		ID: fmt.Sprintf("%s.%d", accept.Listener.ID, accept.Seq),
	}
	svc := NewService(id, KindInetdConn, attrs)
	svc.State = Ready
	if err := reg.Add(svc); err != nil {
		return registry.Identity{}, err
	}
	return id, nil
}
