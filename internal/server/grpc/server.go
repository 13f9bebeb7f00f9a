// Package grpcserver exposes the operator API and health service over gRPC.
package grpcserver

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/service"
	"github.com/and161185/ogx-gateway/internal/validation"
)

// Deliveries is the part of the delivery service the API uses.
// *service.Delivery implements it.
type Deliveries interface {
	Accept(ctx context.Context, req service.AcceptRequest) (*model.MessageState, error)
	Get(ctx context.Context, id uuid.UUID) (*model.MessageState, error)
	History(ctx context.Context, id uuid.UUID) ([]model.Transition, error)
	Pending(ctx context.Context, terminalID string) (*model.MessageState, error)
}

// TokenStatuses reports cached token state. *service.TokenManager implements it.
type TokenStatuses interface {
	Status(clientID string) (model.Token, bool)
}

// GatewayAPI is the operator API contract.
type GatewayAPI interface {
	Accept(ctx context.Context, req *AcceptRequest) (*convert.MessageView, error)
	GetMessage(ctx context.Context, req *MessageRequest) (*convert.MessageView, error)
	History(ctx context.Context, req *MessageRequest) (*HistoryResponse, error)
	Pending(ctx context.Context, req *PendingRequest) (*convert.MessageView, error)
	TokenStatus(ctx context.Context, req *TokenStatusRequest) (*convert.TokenView, error)
	Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error)
}

// Server wires services into gRPC handlers. Every call acts for the
// client id found in context by AuthUnary.
type Server struct {
	deliveries   Deliveries
	tokens       TokenStatuses
	enumerations map[string][]string
}

var _ GatewayAPI = (*Server)(nil)

// New constructs the API handlers. enumerations are passed to Validate.
func New(deliveries Deliveries, tokens TokenStatuses, enumerations map[string][]string) *Server {
	return &Server{deliveries: deliveries, tokens: tokens, enumerations: enumerations}
}

// Register attaches srv to s under ServiceName.
func Register(s grpc.ServiceRegistrar, srv GatewayAPI) {
	s.RegisterService(&serviceDesc, srv)
}

// Accept validates and queues one message.
func (s *Server) Accept(ctx context.Context, req *AcceptRequest) (*convert.MessageView, error) {
	clientID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := ogx.ParseDirection(req.Direction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	network, err := ogx.ParseNetwork(req.Network)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.TTLSeconds < 0 {
		return nil, status.Error(codes.InvalidArgument, "negative ttl")
	}
	msg, err := ogx.Decode(req.Message)
	if err != nil {
		return nil, toStatus(err)
	}

	st, err := s.deliveries.Accept(ctx, service.AcceptRequest{
		ClientID:    clientID,
		Destination: req.Destination,
		Direction:   dir,
		Network:     network,
		Message:     *msg,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	v := convert.ToMessageView(st)
	return &v, nil
}

// GetMessage returns one of the caller's messages.
func (s *Server) GetMessage(ctx context.Context, req *MessageRequest) (*convert.MessageView, error) {
	st, err := s.owned(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	v := convert.ToMessageView(st)
	return &v, nil
}

// History returns the transitions of one of the caller's messages.
func (s *Server) History(ctx context.Context, req *MessageRequest) (*HistoryResponse, error) {
	st, err := s.owned(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	trs, err := s.deliveries.History(ctx, st.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Transitions: convert.ToTransitionViews(trs)}, nil
}

// Pending returns the oldest open to-mobile message of a terminal.
func (s *Server) Pending(ctx context.Context, req *PendingRequest) (*convert.MessageView, error) {
	clientID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateTerminalID(req.Destination); err != nil {
		return nil, toStatus(err)
	}
	st, err := s.deliveries.Pending(ctx, req.Destination)
	if err != nil {
		return nil, toStatus(err)
	}
	if st.ClientID != clientID {
		return nil, status.Error(codes.NotFound, "not found")
	}
	v := convert.ToMessageView(st)
	return &v, nil
}

// TokenStatus describes the caller's cached gateway token.
func (s *Server) TokenStatus(ctx context.Context, _ *TokenStatusRequest) (*convert.TokenView, error) {
	clientID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := s.tokens.Status(clientID)
	v := convert.ToTokenView(clientID, t, ok && !t.ExpiresAt.IsZero())
	return &v, nil
}

// Validate runs structural and size validation without accepting the message.
func (s *Server) Validate(_ context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	dir, err := ogx.ParseDirection(req.Direction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	msg, err := ogx.Decode(req.Message)
	if err != nil {
		return nil, toStatus(err)
	}
	verr := validation.Validate(msg, validation.Context{Direction: dir, Enumerations: s.enumerations})
	if verr != nil && !convert.IsValidationError(verr) {
		return nil, toStatus(verr)
	}
	return &ValidateResponse{
		Valid:      verr == nil,
		Size:       validation.Size(msg),
		Limit:      ogx.MaxSize(dir),
		Violations: convert.ToViolations(verr),
	}, nil
}

func (s *Server) owned(ctx context.Context, rawID string) (*model.MessageState, error) {
	clientID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromString(rawID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	st, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if st.ClientID != clientID {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return st, nil
}

func callerID(ctx context.Context) (string, error) {
	id, ok := ClientIDFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary("Accept", GatewayAPI.Accept),
		unary("GetMessage", GatewayAPI.GetMessage),
		unary("History", GatewayAPI.History),
		unary("Pending", GatewayAPI.Pending),
		unary("TokenStatus", GatewayAPI.TokenStatus),
		unary("Validate", GatewayAPI.Validate),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ogx/v1/gateway",
}

// unary builds a method descriptor that decodes Req and runs call through
// the server's interceptor chain.
func unary[Req, Resp any](method string, call func(GatewayAPI, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(GatewayAPI), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(GatewayAPI), ctx, req.(*Req))
			})
		},
	}
}
