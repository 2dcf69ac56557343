package session

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketSession carries text frames over an upgraded connection.
type WebSocketSession struct {
	*conn
	w   http.ResponseWriter
	r   *http.Request
	net net.Conn
}

func NewWebSocketSession(w http.ResponseWriter, r *http.Request, opts Options) *WebSocketSession {
	s := &WebSocketSession{
		conn: newConn(TransportWebSocket, opts),
		w:    w,
		r:    r,
	}
	s.conn.self = s
	return s
}

// IsWebSocketRequest reports whether r asks for a protocol upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && r.Header.Get("Sec-WebSocket-Key") != ""
}

// Start upgrades the HTTP connection.
func (s *WebSocketSession) Start() error {
	c, _, _, err := ws.UpgradeHTTP(s.r, s.w)
	if err != nil {
		s.Close(monitoring.DisconnectReasonWriteError)
		return err
	}
	s.net = c
	s.activate()
	return nil
}

// Serve starts the read pump and runs the write pump until close.
func (s *WebSocketSession) Serve() {
	if s.net == nil {
		s.finish()
		return
	}
	go s.readPump()
	s.writePump()
}

// writePump batches queued frames into one flush, as long as the buffer
// holds more than one.
func (s *WebSocketSession) writePump() {
	defer monitoring.RecoverPanic(s.logger, "ws_write_pump", nil)

	writer := bufio.NewWriter(s.net)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.net.Close()
		s.finish()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(writer, append([][]byte{frame}, s.pending()...)); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write frame")
				s.Close(monitoring.DisconnectReasonWriteError)
				return
			}

		case <-ticker.C:
			s.net.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.net, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send ping")
				s.Close(monitoring.DisconnectReasonWriteError)
				return
			}

		case <-s.quit:
			if rest := s.pending(); len(rest) > 0 {
				s.write(writer, rest)
			}
			s.net.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, s.closeReason())
			ws.WriteFrame(s.net, ws.NewCloseFrame(body))
			return
		}
	}
}

func (s *WebSocketSession) write(writer *bufio.Writer, frames [][]byte) error {
	s.net.SetWriteDeadline(time.Now().Add(writeWait))
	for _, f := range frames {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, f); err != nil {
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	monitoring.RecordFramesSent(s.opts.Node, len(frames))
	return nil
}

func (s *WebSocketSession) readPump() {
	defer monitoring.RecoverPanic(s.logger, "ws_read_pump", nil)

	for {
		msg, op, err := wsutil.ReadClientData(s.net)
		if err != nil {
			reason := monitoring.DisconnectReasonReadError
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) {
				reason = monitoring.DisconnectReasonPeerClosed
			}
			s.Close(reason)
			return
		}
		if op == ws.OpText || op == ws.OpBinary {
			s.receive(msg)
		}
	}
}
