package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-healer/internal/api"
	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

// Monitor is the subset of PipelineMonitor the gRPC façade calls.
type Monitor interface {
	HandleFailure(ctx context.Context, event models.FailureEvent) (SessionHandle, error)
	GetSession(fp models.Fingerprint) (models.SessionSnapshot, bool)
	GetSessionByID(id string) (models.SessionSnapshot, bool)
	GetStats(ctx context.Context, filter models.StatsFilter) (models.Stats, error)
	Approve(sessionID, approver string) error
	Deny(sessionID, approver, reason string) error
	Cancel(sessionID, reason string) error
}

// HealerService implements the gRPC Healer service on top of a Monitor.
type HealerService struct {
	api.UnimplementedHealerServer

	monitor Monitor
	logger  *slog.Logger
}

// NewHealerService constructs the gRPC façade.
func NewHealerService(logger *slog.Logger, monitor Monitor) *HealerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealerService{monitor: monitor, logger: logger}
}

// HandleFailure ingests a pipeline failure event.
func (s *HealerService) HandleFailure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	event, err := api.DecodeFailureEvent(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	handle, err := s.monitor.HandleFailure(ctx, event)
	if err != nil {
		return nil, s.toStatus("HandleFailure", err)
	}
	return encoded(api.EncodeHandleFailure(models.HandleFailureResponse{
		SessionID:   handle.ID,
		Fingerprint: handle.Fingerprint,
		Joined:      handle.Joined,
		State:       handle.Snapshot().State,
	}))
}

// GetSession returns a session snapshot by id or fingerprint.
func (s *HealerService) GetSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	q, err := api.DecodeSessionQuery(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var (
		snap models.SessionSnapshot
		ok   bool
	)
	if q.SessionID != "" {
		snap, ok = s.monitor.GetSessionByID(q.SessionID)
	} else {
		snap, ok = s.monitor.GetSession(q.Fingerprint)
	}
	if !ok {
		return nil, status.Error(codes.NotFound, ErrSessionNotFound.Error())
	}
	return encoded(api.EncodeSnapshot(snap))
}

// GetStats aggregates outcome history.
func (s *HealerService) GetStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	filter, err := api.DecodeStatsQuery(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	stats, err := s.monitor.GetStats(ctx, filter)
	if err != nil {
		return nil, s.toStatus("GetStats", err)
	}
	return encoded(api.EncodeStats(stats))
}

// Approve resumes a session parked for approval.
func (s *HealerService) Approve(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.decision(req)
	if err != nil {
		return nil, err
	}
	if err := s.monitor.Approve(d.SessionID, d.Approver); err != nil {
		return nil, s.toStatus("Approve", err)
	}
	return s.ack(d.SessionID)
}

// Deny escalates a session parked for approval.
func (s *HealerService) Deny(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.decision(req)
	if err != nil {
		return nil, err
	}
	if err := s.monitor.Deny(d.SessionID, d.Approver, d.Reason); err != nil {
		return nil, s.toStatus("Deny", err)
	}
	return s.ack(d.SessionID)
}

// Cancel requests cooperative cancellation of a session.
func (s *HealerService) Cancel(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.monitor == nil {
		return nil, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	c, err := api.DecodeCancel(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.monitor.Cancel(c.SessionID, c.Reason); err != nil {
		return nil, s.toStatus("Cancel", err)
	}
	return s.ack(c.SessionID)
}

func (s *HealerService) decision(req *structpb.Struct) (models.ApprovalDecision, error) {
	if req == nil {
		return models.ApprovalDecision{}, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.monitor == nil {
		return models.ApprovalDecision{}, status.Error(codes.FailedPrecondition, "monitor not configured")
	}
	d, err := api.DecodeApproval(req)
	if err != nil {
		return d, status.Error(codes.InvalidArgument, err.Error())
	}
	return d, nil
}

func (s *HealerService) ack(sessionID string) (*structpb.Struct, error) {
	ack := models.SessionAck{SessionID: sessionID}
	if snap, ok := s.monitor.GetSessionByID(sessionID); ok {
		ack.State = snap.State
	}
	return encoded(api.EncodeAck(ack))
}

func (s *HealerService) toStatus(op string, err error) error {
	code := statusCode(err)
	if code == codes.Internal {
		attrs := []any{slog.String("op", op), slog.Any("error", err)}
		if failedOp, ok := utils.ErrorOp(err); ok {
			attrs = append(attrs, slog.String("failed_op", failedOp))
		}
		s.logger.Error("healer request failed", attrs...)
	}
	return status.Error(code, err.Error())
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return codes.InvalidArgument
	case errors.Is(err, ErrSessionNotFound):
		return codes.NotFound
	case errors.Is(err, engine.ErrNotAwaitingApproval), errors.Is(err, engine.ErrSessionTerminal):
		return codes.FailedPrecondition
	case errors.Is(err, ErrLeaseHeld):
		return codes.AlreadyExists
	case errors.Is(err, ErrMonitorClosed), errors.Is(err, engine.ErrShuttingDown):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func encoded(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
