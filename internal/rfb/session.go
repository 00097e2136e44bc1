package rfb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kmsvnc/internal/tiles"
	"kmsvnc/internal/types"
	"kmsvnc/internal/watch"
)

// Client -> server message types.
const (
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5
	msgClientCutText            = 6
)

const protocolVersion = "RFB 003.008\n"

// session is one RFB client connection after accept. The reader half parses
// client messages; the writer half emits FramebufferUpdates. Both halves
// share the connection, which supports concurrent read/write.
type session struct {
	id   string
	log  zerolog.Logger
	conn io.ReadWriteCloser
	br   *bufio.Reader

	updates    chan bool
	pf         *watch.Value[pixelFormat]
	readerDone chan struct{}
	writerDone chan struct{}
}

// run drives the session to completion: handshake, then the reader
// goroutine plus the writer loop. Errors terminate this session only.
func (s *Server) run(sess *session) {
	defer sess.conn.Close()

	minor, err := s.handshake(sess)
	if err != nil {
		sess.log.Info().Err(err).Msg("handshake failed")
		return
	}
	sess.log.Info().Int("minor", minor).Msg("RFB handshake complete")

	go func() {
		defer close(sess.readerDone)
		if err := s.readMessages(sess); err != nil {
			sess.log.Debug().Err(err).Msg("client reader ended")
		}
	}()

	err = s.writeUpdates(sess)
	close(sess.writerDone)
	if err != nil {
		sess.log.Debug().Err(err).Msg("client writer ended")
	}
	// Unblock the reader if it is mid-read, then wait for it.
	sess.conn.Close()
	<-sess.readerDone
}

// handshake walks ProtocolVersion, Security, and Init. The security
// exchange differs by client minor version; auth failure obeys the
// version-specific wire shape before the connection drops.
func (s *Server) handshake(sess *session) (int, error) {
	if _, err := sess.conn.Write([]byte(protocolVersion)); err != nil {
		return 0, errors.Wrap(err, "send protocol version")
	}

	var ver [12]byte
	if _, err := io.ReadFull(sess.br, ver[:]); err != nil {
		return 0, errors.Wrap(err, "read client version")
	}
	minor, err := strconv.Atoi(string(ver[8:11]))
	if err != nil {
		minor = 8
	}

	if err := s.security(sess, minor); err != nil {
		return minor, err
	}

	// ClientInit: one byte, shared-session flag. Sharing is implicit here.
	var clientInit [1]byte
	if _, err := io.ReadFull(sess.br, clientInit[:]); err != nil {
		return minor, errors.Wrap(err, "read ClientInit")
	}

	name := []byte(s.cfg.Name)
	init := make([]byte, 0, 24+len(name))
	init = binary.BigEndian.AppendUint16(init, uint16(s.cfg.Width))
	init = binary.BigEndian.AppendUint16(init, uint16(s.cfg.Height))
	init = append(init, serverPixelFormat[:]...)
	init = binary.BigEndian.AppendUint32(init, uint32(len(name)))
	init = append(init, name...)
	if _, err := sess.conn.Write(init); err != nil {
		return minor, errors.Wrap(err, "send ServerInit")
	}
	return minor, nil
}

func (s *Server) security(sess *session, minor int) error {
	withAuth := s.cfg.Password != ""
	// Reads must drain the session's buffered reader, writes go straight
	// to the connection.
	stream := struct {
		io.Reader
		io.Writer
	}{sess.br, sess.conn}

	switch {
	case minor <= 6:
		// RFB 3.3: the server dictates the type as a u32; no SecurityResult.
		secType := uint32(1)
		if withAuth {
			secType = 2
		}
		if err := writeU32(sess.conn, secType); err != nil {
			return errors.Wrap(err, "send security type (3.3)")
		}
		if withAuth {
			ok, err := vncAuth(stream, s.cfg.Password)
			if err != nil {
				return err
			}
			if !ok {
				// 3.3 closes with no further bytes.
				return errors.New("VNC authentication failed")
			}
		}
		return nil

	case minor == 7:
		// RFB 3.7: type list plus client choice, still no SecurityResult.
		chosen, err := s.offerSecurityTypes(sess, withAuth)
		if err != nil {
			return err
		}
		if chosen == 2 {
			ok, err := vncAuth(stream, s.cfg.Password)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("VNC authentication failed")
			}
		}
		return nil

	default:
		// RFB 3.8+: list, choice, and always a SecurityResult.
		chosen, err := s.offerSecurityTypes(sess, withAuth)
		if err != nil {
			return err
		}
		if chosen == 2 {
			ok, err := vncAuth(stream, s.cfg.Password)
			if err != nil {
				return err
			}
			if !ok {
				_ = writeU32(sess.conn, 1)
				reason := []byte("Authentication failed")
				_ = writeU32(sess.conn, uint32(len(reason)))
				_, _ = sess.conn.Write(reason)
				return errors.New("VNC authentication failed")
			}
		}
		if err := writeU32(sess.conn, 0); err != nil {
			return errors.Wrap(err, "send security result")
		}
		return nil
	}
}

// offerSecurityTypes sends the one-entry type list and reads the client's
// selection, rejecting anything but the offered type.
func (s *Server) offerSecurityTypes(sess *session, withAuth bool) (byte, error) {
	offered := byte(1)
	if withAuth {
		offered = 2
	}
	if _, err := sess.conn.Write([]byte{1, offered}); err != nil {
		return 0, errors.Wrap(err, "send security types")
	}
	var chosen [1]byte
	if _, err := io.ReadFull(sess.br, chosen[:]); err != nil {
		return 0, errors.Wrap(err, "read security type selection")
	}
	if chosen[0] != offered {
		return 0, errors.Errorf("client selected unsupported security type %d", chosen[0])
	}
	return chosen[0], nil
}

// readMessages parses the client message stream until it errors or the
// writer half is gone. Unknown message types abort the session: nothing
// downstream of them can be framed.
func (s *Server) readMessages(sess *session) error {
	for {
		msgType, err := sess.br.ReadByte()
		if err != nil {
			return errors.Wrap(err, "read message type")
		}

		switch msgType {
		case msgSetPixelFormat:
			var buf [19]byte // 3 padding + 16 format
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read SetPixelFormat")
			}
			pf := parsePixelFormat(buf[3:19])
			sess.log.Info().
				Uint8("bpp", pf.bpp).
				Bool("big_endian", pf.bigEndian).
				Uint8("red_shift", pf.redShift).
				Uint8("green_shift", pf.greenShift).
				Uint8("blue_shift", pf.blueShift).
				Msg("client set pixel format")
			sess.pf.Set(pf)

		case msgSetEncodings:
			var buf [3]byte // 1 padding + u16 count
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read SetEncodings header")
			}
			n := int64(binary.BigEndian.Uint16(buf[1:3]))
			// Only Raw is ever emitted; the list is discarded.
			if _, err := io.CopyN(io.Discard, sess.br, n*4); err != nil {
				return errors.Wrap(err, "read SetEncodings body")
			}

		case msgFramebufferUpdateRequest:
			var buf [9]byte
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read FramebufferUpdateRequest")
			}
			incremental := buf[0] != 0
			select {
			case sess.updates <- incremental:
			case <-sess.writerDone:
				return nil
			}

		case msgKeyEvent:
			var buf [7]byte
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read KeyEvent")
			}
			s.cfg.Input <- types.InputEvent{
				Kind:   types.EventKey,
				Down:   buf[0] != 0,
				Keysym: binary.BigEndian.Uint32(buf[3:7]),
			}

		case msgPointerEvent:
			var buf [5]byte
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read PointerEvent")
			}
			s.cfg.Input <- types.InputEvent{
				Kind:       types.EventPointer,
				ButtonMask: buf[0],
				X:          binary.BigEndian.Uint16(buf[1:3]),
				Y:          binary.BigEndian.Uint16(buf[3:5]),
			}

		case msgClientCutText:
			var buf [7]byte // 3 padding + u32 length
			if _, err := io.ReadFull(sess.br, buf[:]); err != nil {
				return errors.Wrap(err, "read ClientCutText header")
			}
			n := int64(binary.BigEndian.Uint32(buf[3:7]))
			if _, err := io.CopyN(io.Discard, sess.br, n); err != nil {
				return errors.Wrap(err, "read ClientCutText body")
			}

		default:
			return fmt.Errorf("unknown client message type %d", msgType)
		}
	}
}

// writeUpdates services FramebufferUpdateRequests. Incremental requests
// trigger a capture and wait for the next published frame; the dirty tiles
// drained afterwards become the update's rectangles.
func (s *Server) writeUpdates(sess *session) error {
	bw := bufio.NewWriterSize(sess.conn, 65536)
	stride := s.cfg.Width * 4
	var convertBuf []byte

	for {
		var incremental bool
		select {
		case incremental = <-sess.updates:
		case <-sess.readerDone:
			return nil
		}

		if incremental {
			// Grab the edge before poking the scheduler so the published
			// frame cannot slip past unnoticed.
			changed := s.cfg.Frames.Changed()
			s.cfg.RequestCapture()
			select {
			case <-changed:
			case <-sess.readerDone:
				return nil
			}
		}

		// Coalesce queued requests; this update answers them all.
		for drained := false; !drained; {
			select {
			case <-sess.updates:
			default:
				drained = true
			}
		}

		frame := s.cfg.Frames.Get()

		var rects []tiles.Rect
		if incremental {
			rects = s.cfg.Dirty.Drain()
			if len(rects) == 0 {
				// Nothing changed: an empty FramebufferUpdate keeps the
				// client's request loop live per the protocol.
				if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
					return err
				}
				if err := bw.Flush(); err != nil {
					return err
				}
				continue
			}
		} else {
			// Full update supersedes any accumulated dirty state.
			s.cfg.Dirty.Drain()
			rects = []tiles.Rect{{X: 0, Y: 0, W: uint16(s.cfg.Width), H: uint16(s.cfg.Height)}}
		}

		pf := sess.pf.Get()
		needConvert := !pf.isServerDefault()

		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(rects)))
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}

		for _, rect := range rects {
			var rhdr [12]byte
			binary.BigEndian.PutUint16(rhdr[0:2], rect.X)
			binary.BigEndian.PutUint16(rhdr[2:4], rect.Y)
			binary.BigEndian.PutUint16(rhdr[4:6], rect.W)
			binary.BigEndian.PutUint16(rhdr[6:8], rect.H)
			// rhdr[8:12] stays zero: Raw encoding.
			if _, err := bw.Write(rhdr[:]); err != nil {
				return err
			}

			for row := int(rect.Y); row < int(rect.Y)+int(rect.H); row++ {
				start := row*stride + int(rect.X)*4
				bgra := frame[start : start+int(rect.W)*4]
				if needConvert {
					convertBuf = pf.convertRow(bgra, convertBuf)
					if _, err := bw.Write(convertBuf); err != nil {
						return err
					}
				} else {
					if _, err := bw.Write(bgra); err != nil {
						return err
					}
				}
			}
		}

		if err := bw.Flush(); err != nil {
			return err
		}
	}
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
