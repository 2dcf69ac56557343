package session

import (
	"bufio"
	"bytes"
	"net/http"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
)

// HTTPSession streams newline-delimited JSON frames over a chunked
// response. When the client keeps the request body open, frames it writes
// there (one per line) are read as inbound messages.
type HTTPSession struct {
	*conn
	w  http.ResponseWriter
	r  *http.Request
	rc *http.ResponseController
}

func NewHTTPSession(w http.ResponseWriter, r *http.Request, opts Options) *HTTPSession {
	s := &HTTPSession{
		conn: newConn(TransportHTTP, opts),
		w:    w,
		r:    r,
		rc:   http.NewResponseController(w),
	}
	s.conn.self = s
	return s
}

// Start writes the streaming response header.
func (s *HTTPSession) Start() error {
	if err := s.rc.EnableFullDuplex(); err != nil {
		s.logger.Debug().Err(err).Msg("Full duplex unavailable, inbound frames disabled")
	}

	h := s.w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", s.id)
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		s.Close(monitoring.DisconnectReasonWriteError)
		return err
	}
	s.activate()
	return nil
}

// Serve runs the write pump on the calling goroutine (the HTTP handler's),
// so the response stays open until the session closes.
func (s *HTTPSession) Serve() {
	defer monitoring.RecoverPanic(s.logger, "http_session", nil)
	defer s.finish()

	if s.State() == Active {
		go s.readPump()
	}

	hangup := s.r.Context().Done()
	for {
		select {
		case frame := <-s.send:
			if err := s.write(append([][]byte{frame}, s.pending()...)); err != nil {
				s.Close(monitoring.DisconnectReasonWriteError)
				return
			}
		case <-hangup:
			s.Close(monitoring.DisconnectReasonPeerClosed)
			return
		case <-s.quit:
			if rest := s.pending(); len(rest) > 0 {
				s.write(rest)
			}
			return
		}
	}
}

func (s *HTTPSession) write(frames [][]byte) error {
	s.rc.SetWriteDeadline(time.Now().Add(writeWait))
	for _, f := range frames {
		if _, err := s.w.Write(f); err != nil {
			return err
		}
		if _, err := s.w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	if err := s.rc.Flush(); err != nil {
		return err
	}
	monitoring.RecordFramesSent(s.opts.Node, len(frames))
	return nil
}

// readPump reads inbound lines until the body ends. End of body is not a
// hangup: a plain GET has no body at all.
func (s *HTTPSession) readPump() {
	defer monitoring.RecoverPanic(s.logger, "http_session_read", nil)

	scanner := bufio.NewScanner(s.r.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.receive(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil && s.State() == Active {
		s.logger.Debug().Err(err).Msg("Request body read failed")
		s.Close(monitoring.DisconnectReasonReadError)
	}
}
