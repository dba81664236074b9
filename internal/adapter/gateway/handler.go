package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/usecase"
	"guardian-ai/internal/usecase/scheduling"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Manager     *usecase.LifecycleManager
	Snapshotter *usecase.Snapshotter     // can be nil (persistence disabled)
	Guidance    *usecase.GuidanceService // can be nil
	Scheduler   *scheduling.Scheduler    // can be nil
	AuditLog    domain.AuditLogger       // can be nil
	AuditReader domain.AuditReader       // can be nil
	Bus         domain.EventBus
	Logger      *slog.Logger
}

// requirePerm wraps an RPCHandler with role enforcement. Denials are audited.
func requirePerm(deps HandlerDeps, method string, perm permission, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.can(perm) {
			if deps.AuditLog != nil {
				_ = deps.AuditLog.Log(ctx, domain.AuditEvent{
					Timestamp: time.Now().UTC(),
					Type:      domain.AuditAccessDenied,
					Actor:     client.Name,
					Resource:  method,
					Action:    "rpc_call",
					Outcome:   domain.OutcomeDenied,
					Detail: map[string]string{
						"roles":      strings.Join(client.Roles, ","),
						"permission": string(perm),
					},
				})
			}
			return nil, domain.NewDomainError("gateway."+method, domain.ErrPermissionDenied, string(perm))
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	rpc := func(method string, perm permission, h RPCHandler) {
		s.RegisterHandler(method, requirePerm(deps, method, perm, withSchema(schemas[method], h)))
	}

	s.SetGreeter(statusGreeter(deps))

	rpc("capture.start", permCapture, captureStartHandler(deps))
	rpc("capture.stop", permCapture, captureStopHandler(deps))
	rpc("capture.revoke", permCapture, captureRevokeHandler(deps))
	rpc("capture.append", permCapture, captureAppendHandler(deps))
	rpc("records.list", permRead, recordsListHandler(deps))
	rpc("records.sweep", permCapture, recordsSweepHandler(deps))
	rpc("transmission.record", permCapture, transmissionRecordHandler(deps))
	rpc("ledger.query", permRead, ledgerQueryHandler(deps))
	rpc("policy.get", permRead, policyGetHandler(deps))
	rpc("policy.update", permAdmin, policyUpdateHandler(deps))
	rpc("privacy.nuke", permAdmin, privacyNukeHandler(deps))
	rpc("privacy.status", permRead, privacyStatusHandler(deps))

	if deps.Guidance != nil {
		rpc("guidance.request", permCapture, guidanceRequestHandler(deps))
		rpc("guidance.abort", permCapture, guidanceAbortHandler(deps))
	}
	if deps.Scheduler != nil {
		rpc("schedule.list", permRead, scheduleListHandler(deps))
		rpc("schedule.run", permAdmin, scheduleRunHandler(deps))
	}
	if deps.AuditReader != nil {
		rpc("audit.tail", permAdmin, auditTailHandler(deps))
	}
	return nil
}

// statusGreeter pushes the current privacy status to new clients so status
// indicators render without a round trip.
func statusGreeter(deps HandlerDeps) Greeter {
	return func(context.Context, *ClientInfo) []domain.Event {
		st := deps.Manager.Status(deps.Manager.Now())
		payload, err := json.Marshal(st)
		if err != nil {
			return nil
		}
		return []domain.Event{{Type: domain.EventPrivacyStatus, Timestamp: st.CheckedAt, Payload: payload}}
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

var okResult = json.RawMessage(`{"ok":true}`)

// --- capture ---

type captureStartRequest struct {
	SelfConsent       bool `json:"self_consent"`
	AllPartiesConsent bool `json:"all_parties_consent"`
}

func captureStartHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req captureStartRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		rec, err := deps.Manager.StartCapture(ctx, req.SelfConsent, req.AllPartiesConsent)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}
}

type idRequest struct {
	ID string `json:"id"`
}

func captureStopHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req idRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Manager.StopCapture(ctx, req.ID); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

func captureRevokeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req idRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Manager.RevokeConsent(ctx, req.ID); err != nil {
			return nil, err
		}
		return okResult, nil
	}
}

type captureAppendRequest struct {
	ID       string `json:"id"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

func captureAppendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req captureAppendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		chunk := []byte(req.Data)
		if req.Encoding == "base64" {
			raw, err := base64.StdEncoding.DecodeString(req.Data)
			if err != nil {
				return nil, domain.NewDomainError("gateway.capture.append", domain.ErrRPCInvalidPayload, "data is not valid base64")
			}
			chunk = raw
		}
		if err := deps.Manager.AppendPayload(ctx, req.ID, chunk); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"appended": len(chunk)})
	}
}

// --- records ---

type recordsListRequest struct {
	Fresh bool `json:"fresh"`
}

func recordsListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req recordsListRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		now := deps.Manager.Now()
		var records []domain.CaptureRecord
		if req.Fresh {
			records = deps.Manager.FreshRecords(ctx, now)
		} else {
			records = deps.Manager.Records(now)
		}
		if records == nil {
			records = []domain.CaptureRecord{}
		}
		return json.Marshal(records)
	}
}

type sweepResult struct {
	Purged int      `json:"purged"`
	IDs    []string `json:"ids"`
}

func recordsSweepHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		purged := deps.Manager.SweepExpired(ctx, deps.Manager.Now())
		res := sweepResult{Purged: len(purged), IDs: make([]string, len(purged))}
		for i, r := range purged {
			res.IDs[i] = r.ID
		}
		return json.Marshal(res)
	}
}

// --- transmissions ---

type transmissionRecordRequest struct {
	Kind      string `json:"kind"`
	SizeBytes int    `json:"size_bytes"`
	Purpose   string `json:"purpose"`
}

func transmissionRecordHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req transmissionRecordRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		kind, err := domain.ParseTransmissionKind(req.Kind)
		if err != nil {
			return nil, err
		}
		entry := deps.Manager.RecordTransmission(ctx, kind, req.SizeBytes, req.Purpose)
		return json.Marshal(entry)
	}
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func ledgerQueryHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req limitRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		entries := deps.Manager.Transmissions(req.Limit)
		if entries == nil {
			entries = []domain.TransmissionLogEntry{}
		}
		return json.Marshal(entries)
	}
}

// --- policy ---

func policyGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Manager.Policy())
	}
}

// policyUpdateRequest carries a partial policy; absent fields keep their value.
type policyUpdateRequest struct {
	ConsentMode    *string `json:"consent_mode"`
	TTLHours       *int    `json:"ttl_hours"`
	ShowIndicators *bool   `json:"show_indicators"`
	AutoDelete     *bool   `json:"auto_delete"`
}

func policyUpdateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req policyUpdateRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		p := deps.Manager.Policy()
		if req.ConsentMode != nil {
			mode, err := domain.ParseConsentMode(*req.ConsentMode)
			if err != nil {
				return nil, err
			}
			p.ConsentMode = mode
		}
		if req.TTLHours != nil {
			p.TTLHours = *req.TTLHours
		}
		if req.ShowIndicators != nil {
			p.ShowIndicators = *req.ShowIndicators
		}
		if req.AutoDelete != nil {
			p.AutoDelete = *req.AutoDelete
		}
		if err := deps.Manager.UpdatePolicy(ctx, p); err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}
}

// --- privacy ---

func privacyNukeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Snapshotter != nil {
			report, err := deps.Snapshotter.Nuke(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(report)
		}
		return json.Marshal(deps.Manager.NukeAll(ctx))
	}
}

func privacyStatusHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Manager.Status(deps.Manager.Now()))
	}
}

// --- guidance ---

type guidanceRequest struct {
	RequestID  string               `json:"request_id"`
	Transcript string               `json:"transcript"`
	Metadata   domain.AudioMetadata `json:"metadata"`
}

func guidanceRequestHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req guidanceRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		msg, err := deps.Guidance.Request(ctx, req.RequestID, domain.GuidanceRequest{
			Transcript: req.Transcript,
			Metadata:   req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	}
}

type guidanceAbortRequest struct {
	RequestID string `json:"request_id"`
}

func guidanceAbortHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req guidanceAbortRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Guidance.Abort(req.RequestID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"aborted": true})
	}
}

// --- operations ---

func scheduleListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Scheduler.Tasks())
	}
}

// scheduleRunHandler runs one scheduled action immediately, outside its
// cron slot.
func scheduleRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Action scheduling.ScheduledAction `json:"action"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Scheduler.RunNow(ctx, req.Action); err != nil {
			return nil, fmt.Errorf("schedule.run: %w", err)
		}
		return json.Marshal(map[string]string{"ran": string(req.Action)})
	}
}

func auditTailHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req limitRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Limit <= 0 {
			req.Limit = 50
		}
		events, err := deps.AuditReader.Tail(req.Limit)
		if err != nil {
			return nil, fmt.Errorf("audit.tail: %w", err)
		}
		if events == nil {
			events = []domain.AuditEvent{}
		}
		return json.Marshal(events)
	}
}
