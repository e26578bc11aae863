package rpc

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultTimeout bounds one control call.
const DefaultTimeout = 30 * time.Second

// Client talks to one supervisor instance.
type Client struct {
	conn    *grpc.ClientConn
	domain  string
	timeout time.Duration
}

// Dial prepares a client for the supervisor listening on path. The
// connection is established lazily by the first call.
func Dial(path, domain string, timeout time.Duration) (*Client, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient("unix://"+abs, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial supervisor %s: %w", abs, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, domain: domain, timeout: timeout}, nil
}

// Call sends one request and waits for its reply. A failure reported by the
// supervisor is returned as a *RemoteError alongside the reply.
func (c *Client) Call(ctx context.Context, method string, args []string, kwargs map[string]any) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, err := encodeRequest(Request{Method: method, Args: args, Domain: c.domain, Kwargs: kwargs})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, callMethod, in, out); err != nil {
		return Reply{}, fmt.Errorf("rpc %s: %w", method, err)
	}

	reply, err := decodeReply(out)
	if err != nil {
		return reply, err
	}
	return reply, reply.Err()
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
