package smtpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/mjl-/mailverify/mlog"
)

var ErrLineTooLong = errors.New("line from remote too long")

// Maximum reply line length including CRLF is 512 bytes per RFC 5321, we
// allow some slack for servers that send more.
const maxLineLength = 2 * 1024

// traceWriter logs all data written to the server at trace level.
type traceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
}

func (w *traceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(mlog.LevelTrace, w.prefix, buf)
	return w.w.Write(buf)
}

// traceReader logs all data read from the server at trace level.
type traceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
}

func (r *traceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(mlog.LevelTrace, r.prefix, buf[:n])
	}
	return n, err
}

// readline reads a \n- or \r\n-terminated line. Line is returned without \n or
// \r\n. If the line was too long, ErrLineTooLong is returned. If an EOF is
// encountered before a \n, io.ErrUnexpectedEOF is returned.
func readline(r *bufio.Reader) (string, error) {
	// We don't want to consume data until we finally see a newline, which may be
	// never. A too long line means the connection can't be recovered.
	buf := make([]byte, 0, 128)
	for {
		if len(buf) >= maxLineLength {
			return "", fmt.Errorf("%w: no newline after all %d bytes", ErrLineTooLong, len(buf))
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			if len(buf) > 0 && buf[len(buf)-1] == '\r' {
				buf = buf[:len(buf)-1]
			}
			return string(buf), nil
		}
		buf = append(buf, c)
	}
}
