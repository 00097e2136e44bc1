// Package rfb implements the server side of the RFB (VNC) protocol over
// TCP and WebSocket transports: versions 3.3/3.7/3.8, optional VNC
// Authentication, Raw-encoded framebuffer updates fed from a shared frame
// slot and dirty-tile bitmap, and input forwarding.
package rfb

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"kmsvnc/internal/tiles"
	"kmsvnc/internal/types"
	"kmsvnc/internal/watch"
)

// Config wires a Server to the capture pipeline and input dispatcher.
type Config struct {
	Width  int
	Height int
	Name   string // ServerInit desktop name

	// Password enables VNC Authentication (security type 2) when set.
	Password string

	// Frames is the scheduler's latest-frame slot.
	Frames *watch.Value[[]byte]
	// RequestCapture nudges the scheduler; it must never block.
	RequestCapture func()
	// Dirty is the capture backend's dirty-tile bitmap.
	Dirty *tiles.Bitmap
	// Input receives forwarded pointer/key events.
	Input chan<- types.InputEvent
}

// Server accepts RFB clients and runs one session per connection. Sessions
// are independent: a malformed or hostile client terminates only itself.
type Server struct {
	cfg      Config
	sessions *xsync.MapOf[string, io.Closer]

	mu        sync.Mutex
	listeners []io.Closer
	closed    bool
}

func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "kmsvnc"
	}
	return &Server{
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, io.Closer](),
	}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", addr).Msg("VNC server listening")
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.serveConn(conn, conn.RemoteAddr().String())
	}
}

// serveConn runs one session over any stream transport.
func (s *Server) serveConn(conn io.ReadWriteCloser, remote string) {
	id := uuid.NewString()
	sessLog := log.With().Str("session", id[:8]).Str("remote", remote).Logger()
	sessLog.Info().Msg("VNC client connected")

	s.sessions.Store(id, conn)
	defer func() {
		s.sessions.Delete(id)
		sessLog.Info().Msg("VNC client disconnected")
	}()

	sess := &session{
		id:         id,
		log:        sessLog,
		conn:       conn,
		br:         bufio.NewReaderSize(conn, 4096),
		updates:    make(chan bool, 4),
		pf:         watch.New(defaultPixelFormat()),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.run(sess)
}

// Close stops the listeners and tears down every live session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.sessions.Range(func(_ string, conn io.Closer) bool {
		conn.Close()
		return true
	})
}
