package rfb

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket transport for browser clients (noVNC speaks RFB framed into
// binary WebSocket messages). The stream adapter below feeds the exact
// session handler the TCP path uses.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	Subprotocols:    []string{"binary"},
	// RFB has its own authentication; the handshake carries no cookies
	// or origin-scoped state worth gating on.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ListenAndServeWS serves RFB over WebSocket on addr until Close.
func (s *Server) ListenAndServeWS(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.listeners = append(s.listeners, srv)
	s.mu.Unlock()

	log.Info().Str("addr", addr).Msg("WebSocket VNC endpoint listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.serveConn(&wsStream{ws: ws}, r.RemoteAddr)
}

// wsStream adapts a WebSocket connection to the byte stream the session
// handler consumes. Reads span message boundaries; writes emit one binary
// message per call, which the buffered writer already batches.
type wsStream struct {
	ws      *websocket.Conn
	pending []byte
}

func (c *wsStream) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsStream) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsStream) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

var _ io.ReadWriteCloser = (*wsStream)(nil)
