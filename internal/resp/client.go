package resp

import (
	"bufio"
	"fmt"
	"net"
)

// Client is a minimal RESP2 client for SET/GET/DEL, grounded on
// original_source/src/bin/cli.rs's Client::connect/set/get/del, reimplemented
// synchronously (no async runtime needed for a Go CLI).
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// Connect dials addr ("host:port") and returns a ready Client.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resp: connect %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(cmd Frame) (Frame, error) {
	if err := cmd.WriteTo(c.writer); err != nil {
		return Frame{}, fmt.Errorf("resp: write command: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return Frame{}, fmt.Errorf("resp: flush command: %w", err)
	}
	reply, err := ReadFrame(c.reader)
	if err != nil {
		return Frame{}, fmt.Errorf("resp: read reply: %w", err)
	}
	return reply, nil
}

// Set issues SET key value and returns an error if the server replied with
// a RESP error frame.
func (c *Client) Set(key, value string) error {
	reply, err := c.roundTrip(Array(BulkString([]byte("SET")), BulkString([]byte(key)), BulkString([]byte(value))))
	if err != nil {
		return err
	}
	if reply.Kind == FrameError {
		return fmt.Errorf("resp: %s", reply.Str)
	}
	return nil
}

// Get issues GET key and returns (value, true) or (nil, false) on a miss.
func (c *Client) Get(key string) ([]byte, bool, error) {
	reply, err := c.roundTrip(Array(BulkString([]byte("GET")), BulkString([]byte(key))))
	if err != nil {
		return nil, false, err
	}
	if reply.Kind == FrameError {
		return nil, false, fmt.Errorf("resp: %s", reply.Str)
	}
	if reply.Bulk == nil {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// Del issues DEL key... and returns the number of keys actually removed.
func (c *Client) Del(keys ...string) (int64, error) {
	args := make([]Frame, 0, len(keys)+1)
	args = append(args, BulkString([]byte("DEL")))
	for _, k := range keys {
		args = append(args, BulkString([]byte(k)))
	}
	reply, err := c.roundTrip(Array(args...))
	if err != nil {
		return 0, err
	}
	if reply.Kind == FrameError {
		return 0, fmt.Errorf("resp: %s", reply.Str)
	}
	return reply.Int, nil
}
