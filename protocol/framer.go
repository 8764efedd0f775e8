package protocol

import (
	"bytes"
	"errors"
	"net"
	"time"
)

// ErrReadTimeout reports that no complete frame arrived before the deadline.
// Частичный кадр при этом остаётся в буфере и будет дочитан следующим
// вызовом ReadFrame.
var ErrReadTimeout = errors.New("frame read timeout")

// FrameReader reads newline-delimited frames from a stream connection.
// It is not safe for concurrent use; callers serialize access themselves.
type FrameReader struct {
	conn net.Conn
	buf  []byte
	tmp  [4096]byte
}

func NewFrameReader(conn net.Conn) *FrameReader {
	return &FrameReader{conn: conn}
}

// ReadFrame reads and decodes one frame, waiting at most timeout for it to
// complete. Empty lines are skipped.
func (r *FrameReader) ReadFrame(timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		for {
			i := bytes.IndexByte(r.buf, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimSpace(r.buf[:i])
			rest := make([]byte, len(r.buf)-i-1)
			copy(rest, r.buf[i+1:])
			r.buf = rest
			if len(line) == 0 {
				continue
			}
			return Decode(line)
		}

		if len(r.buf) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}

		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := r.conn.Read(r.tmp[:])
		r.buf = append(r.buf, r.tmp[:n]...)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
	}
}

// WriteFrame encodes and writes one frame with a write deadline.
func WriteFrame(conn net.Conn, msg Message, timeout time.Duration) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
