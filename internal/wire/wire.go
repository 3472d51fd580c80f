// Package wire implements the NUL-terminated text framing shared by gswitchd's
// IPC server and the gsclient launcher. Every message, in either direction,
// is a whole text line terminated by a single zero byte, bounded by
// MaxMessage bytes.
package wire

import (
	"bufio"
	"fmt"
	"io"
)

// MaxMessage is the largest message (excluding the trailing NUL) the wire
// format allows in either direction.
const MaxMessage = 1024

// ReadMessage reads one NUL-terminated message from r, stripping the
// terminator. It returns an error if the message is longer than MaxMessage
// bytes; the length is checked after the NUL is read, so the read itself is
// not bounded.
func ReadMessage(r *bufio.Reader) (string, error) {
	msg, err := r.ReadString(0)
	if err != nil {
		if err == io.EOF && msg != "" {
			return msg, fmt.Errorf("%w: truncated message (no NUL terminator)", io.ErrUnexpectedEOF)
		}
		return "", err
	}
	msg = msg[:len(msg)-1] // drop NUL
	if len(msg) > MaxMessage {
		return "", fmt.Errorf("message exceeds %d bytes", MaxMessage)
	}
	return msg, nil
}

// WriteMessage writes msg to w followed by a single NUL byte.
func WriteMessage(w io.Writer, msg string) error {
	if len(msg) > MaxMessage {
		return fmt.Errorf("message exceeds %d bytes", MaxMessage)
	}
	if _, err := io.WriteString(w, msg); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}
