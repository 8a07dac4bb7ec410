package ipc

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client manages a connection to a running VM's control socket (Server).
type Client struct {
	conn       net.Conn
	mu         sync.Mutex
	closed     atomic.Bool
	reqID      atomic.Uint64
	socketPath string
}

// ConnectTo connects to an already-listening control socket at the given
// path, e.g. one a running coredemo instance created with NewServer.
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{
		conn:       conn,
		socketPath: socketPath,
	}, nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call sends a request and waits for a response. This is a synchronous RPC
// call over the control socket.
func (c *Client) Call(msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	if err := WriteHeader(c.conn, Header{Type: msgType, Length: uint32(len(payload))}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("write payload: %w", err)
		}
	}

	respHeader, err := ReadHeader(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}

	respPayload := make([]byte, respHeader.Length)
	if respHeader.Length > 0 {
		if _, err := io.ReadFull(c.conn, respPayload); err != nil {
			return nil, fmt.Errorf("read response payload: %w", err)
		}
	}

	if respHeader.Type == MsgError {
		dec := NewDecoder(respPayload)
		ipcErr, err := DecodeError(dec)
		if err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		if ipcErr != nil {
			return nil, ipcErr
		}
	}

	return respPayload, nil
}

// CallWithEncoder is a convenience method that uses an encoder for the request.
func (c *Client) CallWithEncoder(msgType uint16, encode func(*Encoder)) ([]byte, error) {
	enc := NewEncoder()
	encode(enc)
	return c.Call(msgType, enc.Bytes())
}

// IsAlive probes whether the control connection is still open.
func (c *Client) IsAlive() bool {
	if c.closed.Load() {
		return false
	}
	c.conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	one := make([]byte, 1)
	_, err := c.conn.Read(one)
	c.conn.SetReadDeadline(time.Time{})

	if err == io.EOF {
		return false
	}
	return true
}
