package grpc_control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "relay.control.v1.RelayControl"

// -----------------------------------------------------------------------------

// RelayControlServer is the server API of the control service. Requests and
// responses are well-known protobuf types so no generated code is needed.
type RelayControlServer interface {
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ShutdownSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ControlService implements RelayControlServer on top of the relay manager.
type ControlService struct {
	Relay  interfaces.IRelayControl
	Logger *logger.Logger
}

// NewControlService creates a new instance of ControlService
func NewControlService(relay interfaces.IRelayControl, log *logger.Logger) *ControlService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ControlService{Relay: relay, Logger: log}
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSessions(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	sessions := s.Relay.Sessions()

	list := make([]interface{}, 0, len(sessions))
	for _, info := range sessions {
		v, err := toValue(info)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode session %s: %v", info.AccountID, err)
		}
		list = append(list, v)
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"sessions": list,
		"count":    len(sessions),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sessions: %v", err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func (s *ControlService) ShutdownSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID := strings.TrimSpace(stringField(req, "account_id"))
	if accountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}

	if !s.Relay.ShutdownSession(ctx, accountID) {
		return nil, status.Errorf(codes.NotFound, "no session for %s", accountID)
	}

	s.Logger.Info("gRPC: session %s shut down", accountID)
	return structpb.NewStruct(map[string]interface{}{
		"success":    true,
		"account_id": accountID,
		"message":    fmt.Sprintf("Session %s shut down", accountID),
	})
}

// -----------------------------------------------------------------------------

func (s *ControlService) InvalidateCache(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prefix := stringField(req, "prefix")

	if err := s.Relay.InvalidateCache(ctx, prefix); err != nil {
		s.Logger.Error("gRPC: cache invalidation failed: %v", err)
		return nil, status.Errorf(codes.Unavailable, "invalidate cache: %v", err)
	}

	s.Logger.Info("gRPC: cache invalidated (prefix %q)", prefix)
	return structpb.NewStruct(map[string]interface{}{
		"success": true,
		"prefix":  prefix,
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func stringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// toValue goes through JSON so struct tags decide the field names.
func toValue(info models.MSessionInfo) (interface{}, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewServer returns a gRPC server with the control service registered.
func NewServer(svc RelayControlServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	RegisterRelayControlServer(srv, svc)
	return srv
}
