package hook

import "context"

// LinkEvent describes a single network interface state change, the shape
// original_source/plugins/netlink.c (461 lines, reading RTNETLINK messages
// over an AF_NETLINK socket) turns into condition updates such as
// net/eth0/up. The real netlink reader is out of core scope
// (plugins are an external collaborator); LinkEventSource below is the
// minimum interface a condition-setting consumer needs to stay decoupled
// from whichever implementation is linked in. No package in this
// repository consumes it.
type LinkEvent struct {
	Interface string
	Up bool
}

// ConditionName derives the condition path a LinkEvent should set or clear,
// e.g. "net/eth0/up".
func (e LinkEvent) ConditionName() string {
	return "net/" + e.Interface + "/up"
}

// LinkEventSource produces a stream of LinkEvents. A real implementation
// binds an AF_NETLINK socket with golang.org/x/sys/unix.Bind and decodes
// RTM_NEWLINK/RTM_DELLINK messages; that socket-level work is the real
// plugin's job and stays out of this repository's core, matching
// the plugin boundary above.
type LinkEventSource interface {
	// Events returns a channel of link events. Closing ctx stops production
	// and closes the channel.
	Events(ctx context.Context) <-chan LinkEvent
}

// LoopbackSource is a fake LinkEventSource good enough for tests: it reports
// the loopback interface as permanently up and produces no further events.
// It gives a consumer something concrete to drive without depending on a
// real netlink socket.
type LoopbackSource struct{}

// Events implements LinkEventSource.
func (LoopbackSource) Events(ctx context.Context) <-chan LinkEvent {
	ch := make(chan LinkEvent, 1)
	ch <- LinkEvent{Interface: "lo", Up: true}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
