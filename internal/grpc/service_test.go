package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

type testDaemon struct {
	client  *Client
	stopped chan struct{}
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()

	cfg := config.Default()
	cfg.Budget.TargetTokens = 1000
	cfg.Budget.BatchSize = 5
	cfg.Budget.MinMessagesToKeep = 4

	counter := tokens.CounterFunc(func(text string) (int, error) { return len(text), nil })
	ctrl := controller.New(cfg, controller.Dependencies{
		Tokens: tokens.NewEstimator(counter, cfg.Budget.RoleOverheadTokens, nil),
	}, nil)

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	daemon := &testDaemon{stopped: make(chan struct{})}
	RegisterBudgetServer(server, &BudgetHandler{
		Controller: ctrl,
		Config:     cfg,
		StartTime:  time.Now(),
		StopFunc:   func() { close(daemon.stopped) },
	})

	go func() { _ = server.Serve(listener) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	daemon.client = &Client{conn: conn}

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = ctrl.Close()
	})

	return daemon
}

func chatMessages(n int) []core.Message {
	messages := make([]core.Message, n)
	for i := range messages {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		messages[i] = core.Message{Role: role, Content: fmt.Sprintf("message %02d %s", i, strings.Repeat("y", 80))}
	}
	return messages
}

func TestBudgetService_GenerationCycle(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	_, err := d.client.ConversationChanged(ctx, &ConversationChangedRequest{
		ConversationID: "conv_a",
		Replace:        true,
		Messages:       chatMessages(20),
	})
	require.NoError(t, err)

	appended, err := d.client.AppendMessage(ctx, &AppendMessageRequest{
		ConversationID: "conv_a",
		Message:        core.Message{Role: core.RoleUser, Content: "latest question", Pinned: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, appended.Index)

	plan, err := d.client.GenerationStart(ctx, &GenerationStartRequest{ConversationID: "conv_a"})
	require.NoError(t, err)
	require.Len(t, plan.Excluded, 21)
	assert.Positive(t, plan.CutoffIndex)
	assert.LessOrEqual(t, plan.Breakdown.Total, 1000)
	assert.False(t, plan.Excluded[20])
	assert.Nil(t, plan.Summary, "no summarizer, so no summary block")
	assert.Nil(t, plan.Memory)

	completed, err := d.client.GenerationComplete(ctx, &GenerationCompleteRequest{ConversationID: "conv_a", ActualTokens: 950})
	require.NoError(t, err)
	assert.NotZero(t, completed.Factor)

	st, err := d.client.Status(ctx, &StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, core.ConversationID("conv_a"), st.Status.ConversationID)
	assert.Equal(t, 21, st.Status.Messages)
	assert.Equal(t, 950, st.Status.LastActualTokens)
	assert.Equal(t, plan.CutoffIndex, st.Status.CutoffIndex)

	_, err = d.client.Reset(ctx, &ResetRequest{Scope: "cutoff"})
	require.NoError(t, err)

	st, err = d.client.Status(ctx, &StatusRequest{ConversationID: "conv_a"})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Status.CutoffIndex)
	assert.Equal(t, 950, st.Status.LastActualTokens)
}

func TestBudgetService_ErrorCodes(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	_, err := d.client.GenerationStart(ctx, &GenerationStartRequest{ConversationID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = d.client.GenerationStart(ctx, &GenerationStartRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = d.client.ConversationChanged(ctx, &ConversationChangedRequest{ConversationID: "conv_b", Replace: true, Messages: chatMessages(3)})
	require.NoError(t, err)

	_, err = d.client.DeleteMessage(ctx, &DeleteMessageRequest{ConversationID: "conv_b", Index: 9})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = d.client.Reset(ctx, &ResetRequest{ConversationID: "conv_b", Scope: "everything"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = d.client.Forget(ctx, &ForgetRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ack, err := d.client.Forget(ctx, &ForgetRequest{ConversationID: "conv_b"})
	require.NoError(t, err)
	assert.Equal(t, "forgot conv_b", ack.Message)

	_, err = d.client.GenerationStart(ctx, &GenerationStartRequest{ConversationID: "conv_b"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestBudgetService_DeleteShiftsCutoff(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	_, err := d.client.ConversationChanged(ctx, &ConversationChangedRequest{ConversationID: "conv_c", Replace: true, Messages: chatMessages(30)})
	require.NoError(t, err)

	plan, err := d.client.GenerationStart(ctx, &GenerationStartRequest{ConversationID: "conv_c"})
	require.NoError(t, err)
	require.Greater(t, plan.CutoffIndex, 2)

	deleted, err := d.client.DeleteMessage(ctx, &DeleteMessageRequest{ConversationID: "conv_c", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted.Deleted)
	assert.Equal(t, 1, deleted.CutoffShift)
	assert.Equal(t, plan.CutoffIndex-1, deleted.CutoffIndex)
}

func TestBudgetService_DaemonStatusHealthAndShutdown(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	assert.True(t, d.client.Healthy(ctx))

	daemonStatus, err := d.client.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Bind, daemonStatus.Bind)
	assert.NotEmpty(t, daemonStatus.StartedAtRFC3339)

	ack, err := d.client.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shutting down", ack.Message)

	select {
	case <-d.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop func was not called")
	}
}
