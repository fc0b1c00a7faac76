package assuan

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"keyferry/internal/util/memzero"
)

// Assuan caps protocol lines at 1000 bytes including the terminating
// newline.
const maxLineLength = 1000

// defaultIOTimeout bounds every socket read and write so an unresponsive
// agent surfaces as an error instead of a hang.
const defaultIOTimeout = 30 * time.Second

var (
	// ErrBusy is returned when a transaction is started while another is
	// still draining; the protocol is strictly half-duplex.
	ErrBusy = errors.New("assuan: transaction already in flight")

	// ErrLineTooLong is returned when the peer sends a line over the
	// protocol's 1000 byte limit.
	ErrLineTooLong = errors.New("assuan: protocol line too long")

	// ErrMalformedLine is returned for a server line that fits no known
	// response type.
	ErrMalformedLine = errors.New("assuan: malformed protocol line")
)

// ProtocolError carries the code and description of an ERR response.
type ProtocolError struct {
	Code        int
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("assuan: server error %d", e.Code)
	}
	return fmt.Sprintf("assuan: server error %d (%s)", e.Code, e.Description)
}

// Callbacks receives the out-of-band parts of a transaction. Any nil
// callback falls back to logging the line and continuing.
type Callbacks struct {
	// Data is invoked for each percent-decoded data chunk, with total the
	// running byte count including the current chunk. The chunk is zeroed
	// after the callback returns; callers must copy what they keep. A
	// non-nil error aborts the transaction and becomes its result.
	Data func(chunk []byte, total int) error
	// Inquire is invoked with the prompt of an INQUIRE line. The returned
	// bytes, if any, are sent back as data before the closing END.
	Inquire func(prompt string) ([]byte, error)
	// Status is invoked with the payload of an S line.
	Status func(line string) error
}

// Client drives transactions against a gpg-agent style Assuan server.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	log     *zap.Logger
	timeout time.Duration
	busy    bool
}

// Dial connects to the agent's unix socket and consumes the greeting line.
func Dial(path string, log *zap.Logger) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection and consumes the greeting line.
func NewClient(conn net.Conn, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{conn: conn, r: bufio.NewReaderSize(conn, maxLineLength), log: log, timeout: defaultIOTimeout}
	line, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if !bytes.HasPrefix(line, []byte("OK")) {
		return nil, fmt.Errorf("%w: unexpected greeting %q", ErrMalformedLine, line)
	}
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SetTimeout overrides the per-operation IO deadline. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Transact sends one command line and drains the response, dispatching
// data, inquiry and status lines to cb. It returns nil on OK, a
// *ProtocolError on ERR, and the callback's error if a callback failed.
// A failing callback still drains the transaction so the connection stays
// usable for cleanup.
func (c *Client) Transact(command string, cb Callbacks) error {
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	defer func() { c.busy = false }()

	if err := c.writeLine(command); err != nil {
		return fmt.Errorf("sending %q: %w", commandWord(command), err)
	}

	var cbErr error
	total := 0
	for {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		switch {
		case bytes.HasPrefix(line, []byte("D ")):
			if cbErr != nil {
				continue
			}
			chunk := unescapeData(line[2:])
			total += len(chunk)
			if cb.Data != nil {
				cbErr = cb.Data(chunk, total)
			} else {
				c.log.Debug("discarding data chunk", zap.Int("bytes", len(chunk)))
			}
			memzero.ZeroAll(chunk, line)
		case bytes.HasPrefix(line, []byte("INQUIRE ")), bytes.Equal(line, []byte("INQUIRE")):
			prompt := ""
			if len(line) > len("INQUIRE ") {
				prompt = string(line[len("INQUIRE "):])
			}
			var body []byte
			if cb.Inquire != nil && cbErr == nil {
				body, cbErr = cb.Inquire(prompt)
			} else {
				c.log.Info("inquire", zap.String("prompt", prompt))
			}
			if err := c.respondInquiry(body); err != nil {
				return err
			}
		case bytes.HasPrefix(line, []byte("S ")):
			status := string(line[2:])
			if cb.Status != nil && cbErr == nil {
				cbErr = cb.Status(status)
			} else {
				c.log.Info("status", zap.String("line", status))
			}
		case bytes.HasPrefix(line, []byte("#")):
			// Comment lines are ignored.
		case bytes.Equal(line, []byte("OK")), bytes.HasPrefix(line, []byte("OK ")):
			return cbErr
		case bytes.HasPrefix(line, []byte("ERR ")):
			if cbErr != nil {
				return cbErr
			}
			return parseErr(line)
		default:
			return fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
	}
}

// respondInquiry sends the inquiry response body (if any) followed by END.
func (c *Client) respondInquiry(body []byte) error {
	if len(body) > 0 {
		if err := c.writeLine("D " + escapeData(body)); err != nil {
			return err
		}
	}
	return c.writeLine("END")
}

func (c *Client) writeLine(line string) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(append([]byte(line), '\n'))
	return err
}

func (c *Client) readLine() ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	line, err := c.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, ErrLineTooLong
	}
	if err != nil {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// parseErr splits "ERR <code> <description>".
func parseErr(line []byte) error {
	rest := string(line[len("ERR "):])
	code := 0
	desc := rest
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		if n, err := strconv.Atoi(rest[:i]); err == nil {
			code = n
			desc = rest[i+1:]
		}
	} else if n, err := strconv.Atoi(rest); err == nil {
		code = n
		desc = ""
	}
	return &ProtocolError{Code: code, Description: desc}
}

// commandWord returns the first word of a command line, keeping key
// material and prompts out of error messages.
func commandWord(command string) string {
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i]
	}
	return command
}

// escapeData percent-encodes the bytes that may not appear raw on a data
// line.
func escapeData(b []byte) string {
	var out strings.Builder
	out.Grow(len(b))
	for _, c := range b {
		switch c {
		case '%', '\r', '\n':
			fmt.Fprintf(&out, "%%%02X", c)
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
