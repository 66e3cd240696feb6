package server

import (
	"context"
	"errors"
	"io"
	"iter"

	"google.golang.org/grpc"
)

// Client calls chat.v1.ChatService over a gRPC connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient returns a Client using conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Generate starts a stateless generation and returns the accumulated texts
// as they arrive. Server-side failures surface as gRPC status errors from
// the sequence. Stopping iteration cancels the call.
//
// The call stays open until the sequence is ranged over or ctx is
// cancelled; callers that may not iterate must cancel ctx.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, opts ...grpc.CallOption) (iter.Seq2[string, error], error) {
	ctx, cancel := context.WithCancel(ctx)

	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.conn.NewStream(ctx, &chatServiceDesc.Streams[0], generateMethod, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	// io.EOF means the server already ended the call; RecvMsg reports why.
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}

	return func(yield func(string, error) bool) {
		defer cancel()
		for {
			var resp GenerateResponse
			err := stream.RecvMsg(&resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(resp.Text, nil) {
				return
			}
		}
	}, nil
}
