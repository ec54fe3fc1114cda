package netconf

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// endOfMessage delimits messages in base:1.0 framing (RFC 6242 §4.3).
const endOfMessage = "]]>]]>"

// ErrFraming is returned when the peer violates the framing protocol.
var ErrFraming = errors.New("netconf: framing error")

// Framer reads and writes whole NETCONF messages over a byte stream.
// It starts in end-of-message mode and switches to chunked framing once
// both peers have advertised base:1.1.
type Framer struct {
	r       *bufio.Reader
	w       io.Writer
	chunked bool
}

// NewFramer wraps r and w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: bufio.NewReader(r), w: w}
}

// SetChunked switches the framer to base:1.1 chunked framing.
func (f *Framer) SetChunked() { f.chunked = true }

// Chunked reports whether chunked framing is active.
func (f *Framer) Chunked() bool { return f.chunked }

// WriteMsg writes one complete message.
func (f *Framer) WriteMsg(msg []byte) error {
	if f.chunked {
		if len(msg) == 0 {
			return fmt.Errorf("%w: empty chunked message", ErrFraming)
		}
		if _, err := fmt.Fprintf(f.w, "\n#%d\n", len(msg)); err != nil {
			return err
		}
		if _, err := f.w.Write(msg); err != nil {
			return err
		}
		_, err := io.WriteString(f.w, "\n##\n")
		return err
	}
	if bytes.Contains(msg, []byte(endOfMessage)) {
		return fmt.Errorf("%w: message contains end-of-message marker", ErrFraming)
	}
	if _, err := f.w.Write(msg); err != nil {
		return err
	}
	_, err := io.WriteString(f.w, endOfMessage)
	return err
}

// ReadMsg reads one complete message.
func (f *Framer) ReadMsg() ([]byte, error) {
	if f.chunked {
		return f.readChunked()
	}
	return f.readEOM()
}

func (f *Framer) readEOM() ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf.WriteByte(b)
		if b == '>' && bytes.HasSuffix(buf.Bytes(), []byte(endOfMessage)) {
			msg := buf.Bytes()[:buf.Len()-len(endOfMessage)]
			return bytes.TrimSpace(msg), nil
		}
	}
}

func (f *Framer) readChunked() ([]byte, error) {
	var msg bytes.Buffer
	for {
		if err := f.expect('\n'); err != nil {
			return nil, err
		}
		if err := f.expect('#'); err != nil {
			return nil, err
		}
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '#' {
			if err := f.expect('\n'); err != nil {
				return nil, err
			}
			if msg.Len() == 0 {
				return nil, fmt.Errorf("%w: empty chunked message", ErrFraming)
			}
			return msg.Bytes(), nil
		}
		if err := f.r.UnreadByte(); err != nil {
			return nil, err
		}
		line, err := f.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseUint(line[:len(line)-1], 10, 64)
		if err != nil || size == 0 || size > math.MaxUint32 {
			return nil, fmt.Errorf("%w: bad chunk size %q", ErrFraming, line[:len(line)-1])
		}
		if _, err := io.CopyN(&msg, f.r, int64(size)); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (f *Framer) expect(want byte) error {
	b, err := f.r.ReadByte()
	if err != nil {
		return err
	}
	if b != want {
		return fmt.Errorf("%w: got %q want %q", ErrFraming, b, want)
	}
	return nil
}
