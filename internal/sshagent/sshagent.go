// Package sshagent encodes add-identity requests in the ssh-agent wire
// protocol and delivers them over the agent's unix socket.
//
// Only the two message bodies this tool produces are implemented: ssh-rsa
// and ssh-ed25519 identities, optionally carrying confirm and lifetime
// constraints. The response is all-or-nothing: a 4-byte length that must be
// exactly 1, followed by a single status byte.
package sshagent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"keyferry/internal/keys"
	"keyferry/internal/util/memzero"
)

// Protocol constants from OpenSSH's PROTOCOL.agent.
const (
	msgAddIdentity      = 17
	msgAddIDConstrained = 25

	constrainLifetime = 1
	constrainConfirm  = 2

	statusSuccess = 6
)

// maxSocketPath is the portable limit on a unix socket path (the smallest
// sun_path across the supported platforms).
const maxSocketPath = 104

// defaultIOTimeout bounds the write of the request and the read of the
// response.
const defaultIOTimeout = 30 * time.Second

var (
	// ErrSocketUnset is returned when SSH_AUTH_SOCK is not set.
	ErrSocketUnset = errors.New("sshagent: SSH_AUTH_SOCK is not set")

	// ErrSocketPath is returned when the socket path exceeds the unix
	// socket path limit.
	ErrSocketPath = errors.New("sshagent: SSH_AUTH_SOCK exceeds the socket path limit")

	// ErrResponseFraming is returned for a response that is not a 4-byte
	// length of exactly 1 followed by one status byte.
	ErrResponseFraming = errors.New("sshagent: unexpected response framing")

	// ErrRefused is returned when the agent answers with a status other
	// than success.
	ErrRefused = errors.New("sshagent: agent refused the identity")

	// ErrUnsupportedKey is returned for a key model with no supported
	// variant populated.
	ErrUnsupportedKey = errors.New("sshagent: key is neither RSA nor Ed25519")
)

// Constraints are the optional usage restrictions attached to an added
// identity. A zero value means an unconstrained add.
type Constraints struct {
	// LifetimeSeconds limits how long the agent keeps the key; zero means
	// no limit.
	LifetimeSeconds uint32
	// Confirm requires explicit confirmation for every use of the key.
	Confirm bool
}

func (c Constraints) any() bool { return c.LifetimeSeconds > 0 || c.Confirm }

// SocketPath resolves the agent socket from the environment, rejecting
// unset or oversized values before any protocol activity.
func SocketPath(environ func(string) (string, bool)) (string, error) {
	path, ok := environ("SSH_AUTH_SOCK")
	if !ok || path == "" {
		return "", ErrSocketUnset
	}
	if len(path) > maxSocketPath {
		return "", fmt.Errorf("%w (%d bytes)", ErrSocketPath, len(path))
	}
	return path, nil
}

// Client is a connection to a running ssh-agent.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the agent socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("sshagent: connecting to %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, timeout: defaultIOTimeout}
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SetTimeout overrides the per-operation IO deadline. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Add sends one add-identity request for key and checks the agent's
// acknowledgement. The encoded message is zeroed after transmission.
func (c *Client) Add(key *keys.Model, comment string, constraints Constraints) error {
	msg, err := EncodeAdd(key, comment, constraints)
	if err != nil {
		return err
	}
	defer memzero.Zero(msg)

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("sshagent: writing request: %w", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return fmt.Errorf("sshagent: reading response length: %w", err)
	}
	if n := binary.BigEndian.Uint32(hdr[:]); n != 1 {
		return fmt.Errorf("%w: response length %d", ErrResponseFraming, n)
	}
	var status [1]byte
	if _, err := io.ReadFull(c.conn, status[:]); err != nil {
		return fmt.Errorf("sshagent: reading status: %w", err)
	}
	if status[0] != statusSuccess {
		return fmt.Errorf("%w (status %d)", ErrRefused, status[0])
	}
	return nil
}

// EncodeAdd builds the complete length-prefixed add-identity message for
// key. The opcode is the constrained variant when any constraint is set.
func EncodeAdd(key *keys.Model, comment string, constraints Constraints) ([]byte, error) {
	var w wireBuf

	opcode := byte(msgAddIdentity)
	if constraints.any() {
		opcode = msgAddIDConstrained
	}
	w.byte(opcode)

	switch key.Type {
	case keys.TypeRSA:
		w.str("ssh-rsa")
		// The target wire order interleaves iqmp between d and p.
		w.mpi(key.RSA.N)
		w.mpi(key.RSA.E)
		w.mpi(key.RSA.D)
		w.mpi(key.RSA.IQMP)
		w.mpi(key.RSA.P)
		w.mpi(key.RSA.Q)
	case keys.TypeEd25519:
		w.str("ssh-ed25519")
		w.bytes(key.Ed25519.Public[:])
		priv := make([]byte, 0, 64)
		priv = append(priv, key.Ed25519.Private[:]...)
		priv = append(priv, key.Ed25519.Public[:]...)
		w.bytes(priv)
		memzero.Zero(priv)
	default:
		return nil, ErrUnsupportedKey
	}

	w.str(comment)
	if constraints.Confirm {
		w.byte(constrainConfirm)
	}
	if constraints.LifetimeSeconds > 0 {
		w.byte(constrainLifetime)
		w.uint32(constraints.LifetimeSeconds)
	}

	body := w.buf
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(body)))
	copy(msg[4:], body)
	memzero.Zero(body)
	return msg, nil
}
