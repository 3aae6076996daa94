package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// Item is a value fetched with Client.Get.
type Item struct {
	Value []byte
	Flags uint32
	CAS   uint64
}

// Client is a synchronous binary protocol client. It is safe for concurrent
// use; requests are serialized over the one connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	opaque uint32
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Do sends one request and waits for its response. Error statuses are
// returned in the response, not as an error. A quiet request the server
// answered with silence yields nil.
func (c *Client) Do(req *Request) (*Response, error) {
	resps, err := c.Pipeline([]*Request{req})
	if err != nil || len(resps) == 0 {
		return nil, err
	}
	return resps[0], nil
}

// Pipeline sends reqs back to back, followed by a NOOP, and collects every
// response that arrives before the NOOP's. Quiet requests that succeed
// produce no response, so the result may be shorter than reqs.
func (c *Client) Pipeline(reqs []*Request) ([]*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, req := range reqs {
		c.opaque++
		req.Opaque = c.opaque
		if err := WriteRequest(c.w, req); err != nil {
			return nil, err
		}
	}
	needNoop := len(reqs) != 1 || reqs[0].Opcode.Quiet()
	var fence uint32
	if needNoop {
		c.opaque++
		fence = c.opaque
		noop := &Request{Packet: Packet{Header: Header{Opcode: OpNoop, Opaque: fence}}}
		if err := WriteRequest(c.w, noop); err != nil {
			return nil, err
		}
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}

	var resps []*Response
	for {
		resp, err := ReadResponse(c.r, 0)
		if err != nil {
			return nil, err
		}
		if needNoop && resp.Opaque == fence {
			return resps, nil
		}
		resps = append(resps, resp)
		if !needNoop {
			if resp.Opaque != reqs[0].Opaque {
				return nil, fmt.Errorf("%w: opaque %d, want %d", ErrMalformed, resp.Opaque, reqs[0].Opaque)
			}
			return resps, nil
		}
	}
}

func newRequest(op Opcode, key []byte) *Request {
	return &Request{Packet: Packet{Header: Header{Opcode: op}, Key: key}}
}

// Get fetches key.
func (c *Client) Get(key []byte) (Item, error) {
	resp, err := c.Do(newRequest(OpGet, key))
	if err != nil {
		return Item{}, err
	}
	if err := resp.Err(); err != nil {
		return Item{}, err
	}
	return Item{Value: resp.Value, Flags: ParseFlags(resp.Extras), CAS: resp.CAS}, nil
}

func (c *Client) store(op Opcode, key, value []byte, flags, expiration uint32, cas uint64) (uint64, error) {
	req := newRequest(op, key)
	req.Extras = StoreExtras{Flags: flags, Expiration: expiration}.Bytes()
	req.Value = value
	req.CAS = cas
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	return resp.CAS, resp.Err()
}

// Set stores value under key and returns its new CAS. A non-zero cas must
// match the stored one.
func (c *Client) Set(key, value []byte, flags, expiration uint32, cas uint64) (uint64, error) {
	return c.store(OpSet, key, value, flags, expiration, cas)
}

// Add stores value only if key is absent.
func (c *Client) Add(key, value []byte, flags, expiration uint32) (uint64, error) {
	return c.store(OpAdd, key, value, flags, expiration, 0)
}

// Replace stores value only if key is present.
func (c *Client) Replace(key, value []byte, flags, expiration uint32, cas uint64) (uint64, error) {
	return c.store(OpReplace, key, value, flags, expiration, cas)
}

func (c *Client) concat(op Opcode, key, value []byte, cas uint64) (uint64, error) {
	req := newRequest(op, key)
	req.Value = value
	req.CAS = cas
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	return resp.CAS, resp.Err()
}

// Append adds value after the stored value of key.
func (c *Client) Append(key, value []byte, cas uint64) (uint64, error) {
	return c.concat(OpAppend, key, value, cas)
}

// Prepend adds value before the stored value of key.
func (c *Client) Prepend(key, value []byte, cas uint64) (uint64, error) {
	return c.concat(OpPrepend, key, value, cas)
}

// Delete removes key.
func (c *Client) Delete(key []byte, cas uint64) error {
	req := newRequest(OpDelete, key)
	req.CAS = cas
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) counter(op Opcode, key []byte, delta, initial uint64, expiration uint32) (uint64, uint64, error) {
	req := newRequest(op, key)
	req.Extras = CounterExtras{Delta: delta, Initial: initial, Expiration: expiration}.Bytes()
	resp, err := c.Do(req)
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, 0, err
	}
	if len(resp.Value) != 8 {
		return 0, 0, fmt.Errorf("%w: counter body of %d bytes", ErrMalformed, len(resp.Value))
	}
	return binary.BigEndian.Uint64(resp.Value), resp.CAS, nil
}

// Incr adds delta to the counter under key and returns the new value and
// CAS. A missing key is created with initial unless expiration is
// NoAutoCreate.
func (c *Client) Incr(key []byte, delta, initial uint64, expiration uint32) (uint64, uint64, error) {
	return c.counter(OpIncrement, key, delta, initial, expiration)
}

// Decr subtracts delta from the counter under key, stopping at zero.
func (c *Client) Decr(key []byte, delta, initial uint64, expiration uint32) (uint64, uint64, error) {
	return c.counter(OpDecrement, key, delta, initial, expiration)
}

// Flush drops every key on the server.
func (c *Client) Flush() error {
	resp, err := c.Do(newRequest(OpFlush, nil))
	if err != nil {
		return err
	}
	return resp.Err()
}

// Noop round-trips an empty request.
func (c *Client) Noop() error {
	resp, err := c.Do(newRequest(OpNoop, nil))
	if err != nil {
		return err
	}
	return resp.Err()
}

// Version returns the server version string.
func (c *Client) Version() (string, error) {
	resp, err := c.Do(newRequest(OpVersion, nil))
	if err != nil {
		return "", err
	}
	return string(resp.Value), resp.Err()
}

// Stats returns the server statistics as name/value pairs.
func (c *Client) Stats() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opaque++
	req := newRequest(OpStat, nil)
	req.Opaque = c.opaque
	if err := WriteRequest(c.w, req); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for {
		resp, err := ReadResponse(c.r, 0)
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		if len(resp.Key) == 0 {
			return stats, nil
		}
		stats[string(resp.Key)] = string(resp.Value)
	}
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteRequest(c.w, newRequest(OpQuitQ, nil)); err == nil {
		c.w.Flush()
	}
	return c.conn.Close()
}
