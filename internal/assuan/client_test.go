package assuan_test

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"keyferry/internal/assuan"
)

// fakeServer runs a scripted Assuan peer on one end of a pipe. Each
// handler receives the command line and returns the raw response lines.
type fakeServer struct {
	conn    net.Conn
	handler func(command string) []string
}

func startServer(t *testing.T, handler func(string) []string) *assuan.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	srv := &fakeServer{conn: serverConn, handler: handler}
	go srv.run()
	t.Cleanup(func() { serverConn.Close() })

	client, err := assuan.NewClient(clientConn, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (s *fakeServer) run() {
	fmt.Fprintf(s.conn, "OK Pleased to meet you\n")
	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		for _, resp := range s.handler(line) {
			if _, err := fmt.Fprintf(s.conn, "%s\n", resp); err != nil {
				return
			}
			// The pipe is unbuffered, so the client's inquiry response
			// must be drained before the next scripted line is written.
			if strings.HasPrefix(resp, "INQUIRE") {
				if !s.drainInquiryResponse(r) {
					return
				}
			}
		}
	}
}

// drainInquiryResponse reads the client's data lines up to and including
// the closing END.
func (s *fakeServer) drainInquiryResponse(r *bufio.Reader) bool {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		if strings.TrimRight(line, "\n") == "END" {
			return true
		}
	}
}

func TestTransactOK(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		if cmd != "GETINFO version" {
			return []string{"ERR 100 unexpected command"}
		}
		return []string{"OK"}
	})
	if err := client.Transact("GETINFO version", assuan.Callbacks{}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
}

func TestTransactDataChunks(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{
			"S PROGRESS half",
			"D first%0Achunk",
			"D second",
			"OK",
		}
	})

	var chunks [][]byte
	var totals []int
	var statuses []string
	cb := assuan.Callbacks{
		Data: func(chunk []byte, total int) error {
			chunks = append(chunks, append([]byte(nil), chunk...))
			totals = append(totals, total)
			return nil
		},
		Status: func(line string) error {
			statuses = append(statuses, line)
			return nil
		},
	}
	if err := client.Transact("EXPORT", cb); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	if len(chunks) != 2 || !bytes.Equal(chunks[0], []byte("first\nchunk")) || !bytes.Equal(chunks[1], []byte("second")) {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
	if totals[0] != 11 || totals[1] != 17 {
		t.Fatalf("unexpected running totals: %v", totals)
	}
	if len(statuses) != 1 || statuses[0] != "PROGRESS half" {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestTransactErr(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{"ERR 67108891 No such file or directory <gpg-agent>"}
	})

	err := client.Transact("EXPORT_KEY 00", assuan.Callbacks{})
	var perr *assuan.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
	if perr.Code != 67108891 {
		t.Fatalf("want code 67108891, got %d", perr.Code)
	}
	if !strings.Contains(perr.Description, "No such file") {
		t.Fatalf("description lost: %q", perr.Description)
	}
}

func TestDataCallbackFailureAbortsTransaction(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{"D one", "D two", "OK"}
	})

	boom := errors.New("cipher setup failed")
	calls := 0
	cb := assuan.Callbacks{
		Data: func(chunk []byte, total int) error {
			calls++
			return boom
		},
	}
	err := client.Transact("EXPORT", cb)
	if !errors.Is(err, boom) {
		t.Fatalf("want callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times after failing", calls)
	}

	// The transaction was drained, so the connection is still usable.
	if err := client.Transact("EXPORT", assuan.Callbacks{Data: func([]byte, int) error { return nil }}); err != nil {
		t.Fatalf("connection unusable after callback failure: %v", err)
	}
}

func TestInquiryDefaultSendsEnd(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		// The server drains the END our client must send; reaching OK
		// proves it arrived in order.
		return []string{"INQUIRE PASSPHRASE", "OK"}
	})
	if err := client.Transact("PRESET", assuan.Callbacks{}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
}

func TestInquiryCallbackResponse(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{"INQUIRE KEYDATA", "OK"}
	})
	var prompt string
	cb := assuan.Callbacks{
		Inquire: func(p string) ([]byte, error) {
			prompt = p
			return []byte("answer"), nil
		},
	}
	if err := client.Transact("IMPORT", cb); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if prompt != "KEYDATA" {
		t.Fatalf("want prompt KEYDATA, got %q", prompt)
	}
}

func TestNestedTransactIsRejected(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{"D x", "OK"}
	})
	var nested error
	cb := assuan.Callbacks{
		Data: func(chunk []byte, total int) error {
			nested = client.Transact("NOP", assuan.Callbacks{})
			return nil
		},
	}
	if err := client.Transact("EXPORT", cb); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if !errors.Is(nested, assuan.ErrBusy) {
		t.Fatalf("want ErrBusy from nested transact, got %v", nested)
	}
}

func TestMalformedLine(t *testing.T) {
	client := startServer(t, func(cmd string) []string {
		return []string{"BOGUS response"}
	})
	err := client.Transact("NOP", assuan.Callbacks{})
	if !errors.Is(err, assuan.ErrMalformedLine) {
		t.Fatalf("want ErrMalformedLine, got %v", err)
	}
}
