package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "finitd.sock")
}

// serveOne drains a single envelope from s and replies with rep, mimicking
// one turn of the event loop's Envelope handling.
func serveOne(s *Server, rep Reply) {
	env := <-s.Envelopes()
	env.Reply <- rep
}

func TestServerRoundTripsOneRequest(t *testing.T) {
	sock := testSockPath(t)
	s := NewServer(sock, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	go serveOne(s, Ack("ok"))

	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	rep, err := c.Send(Request{Command: CmdStatus})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rep.Status != StatusAck || string(rep.Data) != "ok" {
		t.Errorf("got %+v", rep)
	}
}

func TestServerHandlesMultipleRequestsOnOneConnection(t *testing.T) {
	sock := testSockPath(t)
	s := NewServer(sock, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			serveOne(s, Ack("ok"))
		}
	}()

	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 3; i++ {
		if _, err := c.Send(Request{Command: CmdQuery, Data: []byte("a")}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requests to be served")
	}
}

func TestServerStopRemovesSocketFile(t *testing.T) {
	sock := testSockPath(t)
	s := NewServer(sock, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Errorf("expected socket file removed, stat err = %v", err)
	}
}
