// Package grpc exposes the budget controller to a host process over gRPC.
// Messages are plain structs carried by a CBOR codec.
package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/history"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

// ServiceName is the fully qualified gRPC service name, also used for health checks.
const ServiceName = "ctxbudget.v1.BudgetService"

// BudgetServer is the server API of the budget service.
type BudgetServer interface {
	ConversationChanged(context.Context, *ConversationChangedRequest) (*Ack, error)
	AppendMessage(context.Context, *AppendMessageRequest) (*AppendMessageResponse, error)
	EditMessage(context.Context, *EditMessageRequest) (*Ack, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*DeleteMessageResponse, error)
	MessageRendered(context.Context, *MessageRenderedRequest) (*Ack, error)
	GenerationStart(context.Context, *GenerationStartRequest) (*GenerationStartResponse, error)
	GenerationComplete(context.Context, *GenerationCompleteRequest) (*GenerationCompleteResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Reset(context.Context, *ResetRequest) (*Ack, error)
	Forget(context.Context, *ForgetRequest) (*Ack, error)
	StopSummaries(context.Context, *StopSummariesRequest) (*Ack, error)
	DaemonStatus(context.Context, *DaemonStatusRequest) (*DaemonStatusResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*Ack, error)
}

// ServiceDesc describes BudgetServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BudgetServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ConversationChanged", BudgetServer.ConversationChanged),
		unary("AppendMessage", BudgetServer.AppendMessage),
		unary("EditMessage", BudgetServer.EditMessage),
		unary("DeleteMessage", BudgetServer.DeleteMessage),
		unary("MessageRendered", BudgetServer.MessageRendered),
		unary("GenerationStart", BudgetServer.GenerationStart),
		unary("GenerationComplete", BudgetServer.GenerationComplete),
		unary("Status", BudgetServer.Status),
		unary("Reset", BudgetServer.Reset),
		unary("Forget", BudgetServer.Forget),
		unary("StopSummaries", BudgetServer.StopSummaries),
		unary("DaemonStatus", BudgetServer.DaemonStatus),
		unary("Shutdown", BudgetServer.Shutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ctxbudget/v1/budget",
}

func RegisterBudgetServer(registrar grpc.ServiceRegistrar, srv BudgetServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(BudgetServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}

			server := srv.(BudgetServer)
			if interceptor == nil {
				return call(server, ctx, req)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

// BudgetHandler serves BudgetServer from a controller.
type BudgetHandler struct {
	Controller *controller.Controller
	Config     config.Config
	StartTime  time.Time
	StopFunc   func()
}

var _ BudgetServer = (*BudgetHandler)(nil)

// toStatus maps controller errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, controller.ErrUnknownConversation):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, history.ErrIndexOutOfRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func requireID(id string) (core.ConversationID, error) {
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "conversation_id is required")
	}
	return core.ConversationID(id), nil
}

func (h *BudgetHandler) ConversationChanged(ctx context.Context, req *ConversationChangedRequest) (*Ack, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	var messages []core.Message
	if req.Replace {
		messages = append([]core.Message{}, req.Messages...)
	}

	if err := h.Controller.OnConversationChanged(ctx, id, messages); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "active"}, nil
}

func (h *BudgetHandler) AppendMessage(ctx context.Context, req *AppendMessageRequest) (*AppendMessageResponse, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	index, err := h.Controller.AppendMessage(id, req.Message)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AppendMessageResponse{Index: index}, nil
}

func (h *BudgetHandler) EditMessage(ctx context.Context, req *EditMessageRequest) (*Ack, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	if err := h.Controller.EditMessage(id, req.Index, req.Content); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (h *BudgetHandler) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	report, err := h.Controller.OnMessageDeleted(id, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}

	return &DeleteMessageResponse{
		Deleted:          report.Deleted,
		CutoffShift:      report.CutoffShift,
		CutoffIndex:      report.CutoffAfter,
		SoftRecalibrated: report.SoftRecalibrated,
	}, nil
}

func (h *BudgetHandler) MessageRendered(ctx context.Context, req *MessageRenderedRequest) (*Ack, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	if err := h.Controller.OnMessageRendered(ctx, id, req.Index); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (h *BudgetHandler) GenerationStart(ctx context.Context, req *GenerationStartRequest) (*GenerationStartResponse, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	plan, err := h.Controller.OnGenerationStart(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newGenerationStartResponse(plan), nil
}

func (h *BudgetHandler) GenerationComplete(ctx context.Context, req *GenerationCompleteRequest) (*GenerationCompleteResponse, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	result, err := h.Controller.OnGenerationComplete(ctx, id, controller.Completion{
		ActualTokens: req.ActualTokens,
		RawPrompt:    req.RawPrompt,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return &GenerationCompleteResponse{
		Phase:         result.To,
		Factor:        result.Factor,
		ErrorPercent:  result.ErrorPercent,
		Deviation:     result.Deviation,
		Tolerance:     result.Tolerance,
		TargetTokens:  result.Target,
		TargetChanged: result.TargetChanged,
	}, nil
}

func (h *BudgetHandler) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	id := core.ConversationID(req.ConversationID)
	if id == "" {
		id = h.Controller.Active()
	}
	if id == "" {
		return nil, status.Error(codes.FailedPrecondition, "no active conversation")
	}

	st, err := h.Controller.Status(ctx, id, req.Recent)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{Status: st}, nil
}

func (h *BudgetHandler) Reset(ctx context.Context, req *ResetRequest) (*Ack, error) {
	id := core.ConversationID(req.ConversationID)
	if id == "" {
		id = h.Controller.Active()
	}

	scope := ledger.ScopeAll
	if req.Scope != "" {
		parsed, ok := ledger.ParseScope(req.Scope)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown reset scope %q", req.Scope)
		}
		scope = parsed
	}

	if err := h.Controller.Reset(id, scope); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "reset " + string(scope)}, nil
}

func (h *BudgetHandler) Forget(ctx context.Context, req *ForgetRequest) (*Ack, error) {
	id, err := requireID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	if err := h.Controller.Forget(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "forgot " + string(id)}, nil
}

func (h *BudgetHandler) StopSummaries(ctx context.Context, req *StopSummariesRequest) (*Ack, error) {
	id := core.ConversationID(req.ConversationID)
	if id == "" {
		id = h.Controller.Active()
	}

	if err := h.Controller.StopSummaries(id); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "summaries stopped"}, nil
}

func (h *BudgetHandler) DaemonStatus(ctx context.Context, _ *DaemonStatusRequest) (*DaemonStatusResponse, error) {
	uptimeSeconds := int64(0)
	startedAtText := ""
	if !h.StartTime.IsZero() {
		uptimeSeconds = int64(time.Since(h.StartTime).Seconds())
		startedAtText = h.StartTime.Format(time.RFC3339)
	}

	return &DaemonStatusResponse{
		Bind:               h.Config.Bind,
		Endpoint:           h.Config.Endpoint,
		DataDir:            h.Config.DataDir,
		UptimeSeconds:      uptimeSeconds,
		StartedAtRFC3339:   startedAtText,
		ActiveConversation: string(h.Controller.Active()),
	}, nil
}

func (h *BudgetHandler) Shutdown(ctx context.Context, _ *ShutdownRequest) (*Ack, error) {
	if h.StopFunc != nil {
		go h.StopFunc()
	}

	return &Ack{Message: "shutting down"}, nil
}
