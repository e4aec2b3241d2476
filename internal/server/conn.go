package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xtrntr/matchd/internal/protocol"
)

// maxFrameBytes caps the announced payload size of one request frame.
const maxFrameBytes = 1 << 20

// readFrame reads one length-prefixed request: an ASCII decimal byte
// count, a newline, then exactly that many bytes of payload.
func readFrame(r *bufio.Reader) ([]byte, error) {
	sizeLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read size line: %w", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(sizeLine))
	if err != nil {
		return nil, &frameError{msg: "malformed frame size: " + strings.TrimSpace(sizeLine)}
	}
	if size <= 0 || size > maxFrameBytes {
		return nil, &frameError{msg: "frame size out of range: " + strconv.Itoa(size)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		// The peer closed or stalled before delivering the announced
		// byte count; there is nothing to respond to.
		return nil, fmt.Errorf("failed to read %d-byte payload: %w", size, err)
	}
	return payload, nil
}

// frameError is a framing violation the peer should hear about before
// the connection closes.
type frameError struct {
	msg string
}

func (e *frameError) Error() string { return e.msg }

// handleConn serves one connection: read one frame, route it, write
// the response followed by a newline, close. Read timeouts drop the
// connection without a response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		s.log.WithError(err).Warn("failed to set read deadline")
		return
	}

	payload, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		var fe *frameError
		if errors.As(err, &fe) {
			s.writeResponse(conn, protocol.RenderError(fe.msg))
		} else if !timedOut(err) {
			s.log.WithError(err).Debug("dropping connection")
		}
		return
	}

	s.writeResponse(conn, s.router.Handle(ctx, payload))
}

func (s *Server) writeResponse(conn net.Conn, doc []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return
	}
	if _, err := conn.Write(append(doc, '\n')); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

func timedOut(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
