package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/ogx-gateway/internal/convert"
)

// Client calls the operator API over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// Accept queues one message.
func (c *Client) Accept(ctx context.Context, in *AcceptRequest, opts ...grpc.CallOption) (*convert.MessageView, error) {
	out := new(convert.MessageView)
	if err := c.invoke(ctx, "Accept", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage fetches one message.
func (c *Client) GetMessage(ctx context.Context, in *MessageRequest, opts ...grpc.CallOption) (*convert.MessageView, error) {
	out := new(convert.MessageView)
	if err := c.invoke(ctx, "GetMessage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the transitions of one message.
func (c *Client) History(ctx context.Context, in *MessageRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	out := new(HistoryResponse)
	if err := c.invoke(ctx, "History", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Pending fetches the oldest open message of a terminal.
func (c *Client) Pending(ctx context.Context, in *PendingRequest, opts ...grpc.CallOption) (*convert.MessageView, error) {
	out := new(convert.MessageView)
	if err := c.invoke(ctx, "Pending", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TokenStatus describes the caller's gateway token.
func (c *Client) TokenStatus(ctx context.Context, opts ...grpc.CallOption) (*convert.TokenView, error) {
	out := new(convert.TokenView)
	if err := c.invoke(ctx, "TokenStatus", &TokenStatusRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks a message without accepting it.
func (c *Client) Validate(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	out := new(ValidateResponse)
	if err := c.invoke(ctx, "Validate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
