package control

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/sunlightlinux/finitd/pkg/logging"
)

// Envelope carries one parsed request from a connection goroutine to the
// single event-loop goroutine, and the channel the event loop replies on.
// This is a "worker queue" handoff: socket I/O
// happens off the reactor goroutine, but the command itself is only ever
// applied to supervisor state from the reactor's own turn.
type Envelope struct {
	Request Request
	Reply chan<- Reply
}

// Server listens on a Unix domain socket and turns each request record
// into an Envelope for the event loop to consume, grounded on
// sunlightlinux-slinit's pkg/control/server.go accept-loop-plus-connection-goroutines
// shape, retargeted from slinit's length-prefixed packet framing to
// the fixed-size record format.
type Server struct {
	sockPath string
	logger *logging.Logger
	envelope chan Envelope

	mu sync.Mutex
	listener net.Listener
	conns map[net.Conn]struct{}
	ctx context.Context
	cancel context.CancelFunc
	wg sync.WaitGroup
}

// NewServer creates a control server bound to sockPath. Envelopes() must be
// drained by the event loop once Start has been called, or connections
// will block indefinitely waiting for a reply.
func NewServer(sockPath string, logger *logging.Logger) *Server {
	return &Server{
		sockPath: sockPath,
		logger: logger,
		envelope: make(chan Envelope),
		conns: make(map[net.Conn]struct{}),
	}
}

// Envelopes returns the channel of incoming requests for the event loop to
// select on.
func (s *Server) Envelopes() <-chan Envelope { return s.envelope }

// Start binds the socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.logger != nil {
		s.logger.Info("control socket listening on %s", s.sockPath)
	}
	return nil
}

// Stop closes the listener and every open connection, then waits for their
// goroutines to exit.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.sockPath)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if s.logger != nil {
					s.logger.Error("control socket accept error: %v", err)
				}
				continue
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// serve reads requests off conn until it errors or the server is
// cancelled, posting each as an Envelope and writing back whatever reply
// the event loop produces.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := ReadRequest(conn)
		if err != nil {
			return
		}

		replyCh := make(chan Reply, 1)
		select {
		case s.envelope <- Envelope{Request: req, Reply: replyCh}:
		case <-s.ctx.Done():
			return
		}

		var rep Reply
		select {
		case rep = <-replyCh:
		case <-s.ctx.Done():
			return
		}

		if err := WriteReply(conn, rep); err != nil {
			return
		}
	}
}
