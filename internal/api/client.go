package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls BacktestService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a BacktestService at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// RunBacktest runs the YAML backtest section backtestYAML on the server.
// Empty arguments fall back to the server's configuration.
func (c *Client) RunBacktest(ctx context.Context, backtestYAML, dataSource string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"config":      backtestYAML,
		"data_source": dataSource,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, RunBacktestMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSummary fetches the stored summary of runID.
func (c *Client) GetSummary(ctx context.Context, runID string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"run_id": runID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetSummaryMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
