// Package memstream provides an in-process pair of transport.Stream
// implementations connected back to back, for unit and integration
// tests that need a real ordered reliable channel without a WebRTC
// data channel behind it.
package memstream

import (
	"errors"
	"sync"

	"github.com/OtterPeer/webrtc-network-simulator/transport"
)

// ErrClosed is returned by Send once the stream has been closed.
var ErrClosed = errors.New("memstream: stream closed")

// Pair returns two Streams, each delivering frames sent on the other
// to its own OnMessage callback, in FIFO order, on a dedicated
// goroutine per side.
func Pair() (transport.Stream, transport.Stream) {
	a := &Stream{}
	b := &Stream{}
	a.peer = b
	b.peer = a
	a.frames = make(chan []byte, 256)
	b.frames = make(chan []byte, 256)
	go a.pump()
	go b.pump()
	return a, b
}

// Stream is one side of an in-memory loopback pair.
type Stream struct {
	mu        sync.Mutex
	state     transport.State
	peer      *Stream
	frames    chan []byte
	onMessage func([]byte)
	onClose   func()
	onError   func(error)
}

func (s *Stream) pump() {
	for frame := range s.frames {
		s.mu.Lock()
		cb := s.onMessage
		s.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

// Send delivers frame to the peer's inbound queue.
func (s *Stream) Send(frame []byte) error {
	s.mu.Lock()
	if s.state == transport.Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	peer := s.peer
	s.mu.Unlock()

	cp := append([]byte(nil), frame...)
	select {
	case peer.frames <- cp:
		return nil
	default:
		return ErrClosed
	}
}

// State reports the stream's lifecycle stage; memstream pairs open
// immediately on construction.
func (s *Stream) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == 0 {
		return transport.Open
	}
	return s.state
}

func (s *Stream) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *Stream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Close closes this side, invoking its onClose callback, and notifies
// the peer side (marking the peer Closed, so its Send fails, and
// invoking the peer's onClose without closing the peer's inbound
// queue), mirroring a two-party connection drop.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == transport.Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = transport.Closed
	close(s.frames)
	cb := s.onClose
	peer := s.peer
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	if peer != nil {
		peer.markPeerClosed()
	}
	return nil
}

func (s *Stream) markPeerClosed() {
	s.mu.Lock()
	if s.state == transport.Closed {
		s.mu.Unlock()
		return
	}
	s.state = transport.Closed
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
