package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/tracer"
)

const defaultGuidanceTimeout = 10 * time.Second

// guidancePurpose is the ledger purpose recorded for every guidance round trip.
const guidancePurpose = "guidance request"

// TransmissionRecorder appends entries to the transmission ledger.
type TransmissionRecorder interface {
	RecordTransmission(ctx context.Context, kind domain.TransmissionKind, sizeBytes int, purpose string) domain.TransmissionLogEntry
}

// GuidanceService sends transcripts to a guidance generator. Each outbound
// transcript is written to the ledger before it is sent, and in-flight
// requests can be aborted by ID.
type GuidanceService struct {
	generator domain.GuidanceGenerator
	recorder  TransmissionRecorder
	bus       domain.EventBus
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]context.CancelCauseFunc
}

// NewGuidanceService creates a GuidanceService. timeout <= 0 uses the default.
func NewGuidanceService(generator domain.GuidanceGenerator, recorder TransmissionRecorder, bus domain.EventBus, timeout time.Duration, logger *slog.Logger) *GuidanceService {
	if timeout <= 0 {
		timeout = defaultGuidanceTimeout
	}
	return &GuidanceService{
		generator: generator,
		recorder:  recorder,
		bus:       bus,
		logger:    logger,
		timeout:   timeout,
		pending:   make(map[string]context.CancelCauseFunc),
	}
}

// Request asks the generator for guidance on req. requestID identifies the
// call for Abort; an empty ID is replaced by a generated one.
func (s *GuidanceService) Request(ctx context.Context, requestID string, req domain.GuidanceRequest) (*domain.GuidanceMessage, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, domain.NewSubSystemError("guidance", "GuidanceService.Request", domain.ErrInvalidInput, "empty transcript")
	}
	if requestID == "" {
		requestID = newID(time.Now())
	}

	ctx, span := tracer.StartSpan(ctx, "guidance.request")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("guidance.request_id", requestID),
		tracer.StringAttr("guidance.generator", s.generator.Name()),
	)

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	if _, dup := s.pending[requestID]; dup {
		s.mu.Unlock()
		return nil, domain.NewSubSystemError("guidance", "GuidanceService.Request", domain.ErrDuplicate, requestID)
	}
	s.pending[requestID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	s.recorder.RecordTransmission(ctx, domain.TransmissionText, len(req.Transcript), guidancePurpose)

	callCtx, stop := context.WithTimeout(callCtx, s.timeout)
	defer stop()

	msg, err := s.generator.GenerateGuidance(callCtx, req)
	if err != nil {
		err = s.classify(callCtx, requestID, err)
		tracer.RecordError(span, err)
		if errors.Is(err, domain.ErrGuidanceAborted) {
			s.logger.InfoContext(ctx, "guidance request aborted", "request_id", requestID)
			s.publish(ctx, domain.EventGuidanceAborted, map[string]string{"request_id": requestID})
		} else {
			s.logger.WarnContext(ctx, "guidance request failed", "request_id", requestID, "generator", s.generator.Name(), "error", err)
		}
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = requestID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	tracer.SetOK(span)
	s.logger.DebugContext(ctx, "guidance ready", "request_id", requestID, "type", string(msg.Type), "intent", string(msg.Intent))
	s.publish(ctx, domain.EventGuidanceReady, msg)
	return msg, nil
}

// Abort cancels the in-flight request with requestID.
func (s *GuidanceService) Abort(requestID string) error {
	s.mu.Lock()
	cancel, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("guidance", "GuidanceService.Abort", domain.ErrNotFound, fmt.Sprintf("request %q", requestID))
	}
	cancel(domain.ErrGuidanceAborted)
	return nil
}

// Pending returns the number of in-flight requests.
func (s *GuidanceService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *GuidanceService) classify(callCtx context.Context, requestID string, err error) error {
	switch {
	case errors.Is(context.Cause(callCtx), domain.ErrGuidanceAborted):
		return domain.NewSubSystemError("guidance", "GuidanceService.Request", domain.ErrGuidanceAborted, requestID)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return domain.NewSubSystemError("guidance", "GuidanceService.Request", domain.ErrTimeout,
			fmt.Sprintf("request %s after %s", requestID, s.timeout))
	case errors.Is(callCtx.Err(), context.Canceled):
		return domain.WrapOp("GuidanceService.Request", callCtx.Err())
	case errors.Is(err, domain.ErrGuidanceUnavailable):
		return err
	}
	return domain.NewSubSystemError("guidance", "GuidanceService.Request", domain.ErrGuidanceUnavailable, err.Error())
}

func (s *GuidanceService) publish(ctx context.Context, typ domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	event, err := domain.NewEvent(typ, time.Now(), "", payload)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event payload", "type", string(typ), "error", err)
		return
	}
	s.bus.Publish(ctx, event)
}
