package grpcserver

import (
	"context"
	"fmt"
	"mnist-backend/internal/grpcserver/mnistpb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects lazily to target with protobuf messages. Extra options
// are appended after the defaults, so callers can supply a custom dialer or
// select the json codec with grpc.CallContentSubtype(JSONCodecName).
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating grpc client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Predict(ctx context.Context, image []byte, opts ...grpc.CallOption) (*mnistpb.MnistPrediction, error) {
	out := new(mnistpb.MnistPrediction)
	if err := c.conn.Invoke(ctx, PredictMethod, &mnistpb.MnistImage{Data: image}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports the serving status of the mnist service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	res, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return res.Status, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
