package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client is the host-side and CLI-side view of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon at addr. The connection is lazy, so an
// unreachable daemon surfaces on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(codecName))
}

// Healthy reports whether the daemon's health service answers SERVING.
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (c *Client) ConversationChanged(ctx context.Context, req *ConversationChangedRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "ConversationChanged", req, resp)
}

func (c *Client) AppendMessage(ctx context.Context, req *AppendMessageRequest) (*AppendMessageResponse, error) {
	resp := new(AppendMessageResponse)
	return resp, c.invoke(ctx, "AppendMessage", req, resp)
}

func (c *Client) EditMessage(ctx context.Context, req *EditMessageRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "EditMessage", req, resp)
}

func (c *Client) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	resp := new(DeleteMessageResponse)
	return resp, c.invoke(ctx, "DeleteMessage", req, resp)
}

func (c *Client) MessageRendered(ctx context.Context, req *MessageRenderedRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "MessageRendered", req, resp)
}

func (c *Client) GenerationStart(ctx context.Context, req *GenerationStartRequest) (*GenerationStartResponse, error) {
	resp := new(GenerationStartResponse)
	return resp, c.invoke(ctx, "GenerationStart", req, resp)
}

func (c *Client) GenerationComplete(ctx context.Context, req *GenerationCompleteRequest) (*GenerationCompleteResponse, error) {
	resp := new(GenerationCompleteResponse)
	return resp, c.invoke(ctx, "GenerationComplete", req, resp)
}

func (c *Client) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	resp := new(StatusResponse)
	return resp, c.invoke(ctx, "Status", req, resp)
}

func (c *Client) Reset(ctx context.Context, req *ResetRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "Reset", req, resp)
}

func (c *Client) Forget(ctx context.Context, req *ForgetRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "Forget", req, resp)
}

func (c *Client) StopSummaries(ctx context.Context, req *StopSummariesRequest) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "StopSummaries", req, resp)
}

func (c *Client) DaemonStatus(ctx context.Context) (*DaemonStatusResponse, error) {
	resp := new(DaemonStatusResponse)
	return resp, c.invoke(ctx, "DaemonStatus", &DaemonStatusRequest{}, resp)
}

func (c *Client) Shutdown(ctx context.Context) (*Ack, error) {
	resp := new(Ack)
	return resp, c.invoke(ctx, "Shutdown", &ShutdownRequest{}, resp)
}
