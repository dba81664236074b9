package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"guardian-ai/internal/domain"
)

// Version is reported by the status API.
var Version = "dev"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service ServiceStatus        `json:"service"`
	Privacy domain.PrivacyStatus `json:"privacy"`
	Gateway GatewayStatus        `json:"gateway"`
	Events  EventCounts          `json:"events"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// GatewayStatus holds connection stats.
type GatewayStatus struct {
	Clients       int   `json:"clients"`
	DroppedFrames int64 `json:"dropped_frames"`
}

// EventCounts is a point-in-time copy of Metrics.
type EventCounts struct {
	CapturesStarted int64 `json:"captures_started"`
	CapturesDenied  int64 `json:"captures_denied"`
	RecordsPurged   int64 `json:"records_purged"`
	Nukes           int64 `json:"nukes"`
	Transmissions   int64 `json:"transmissions"`
	GuidanceReady   int64 `json:"guidance_ready"`
	GuidanceAborted int64 `json:"guidance_aborted"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	CapturesStarted atomic.Int64
	CapturesDenied  atomic.Int64
	RecordsPurged   atomic.Int64
	Nukes           atomic.Int64
	Transmissions   atomic.Int64
	GuidanceReady   atomic.Int64
	GuidanceAborted atomic.Int64

	topics sync.Map // event topic -> *atomic.Int64
}

func (m *Metrics) countTopic(t domain.EventType) {
	v, _ := m.topics.LoadOrStore(t.Topic(), new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// TopicCounts returns events seen per topic.
func (m *Metrics) TopicCounts() map[string]int64 {
	out := make(map[string]int64)
	m.topics.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Counts copies the current counter values.
func (m *Metrics) Counts() EventCounts {
	return EventCounts{
		CapturesStarted: m.CapturesStarted.Load(),
		CapturesDenied:  m.CapturesDenied.Load(),
		RecordsPurged:   m.RecordsPurged.Load(),
		Nukes:           m.Nukes.Load(),
		Transmissions:   m.Transmissions.Load(),
		GuidanceReady:   m.GuidanceReady.Load(),
		GuidanceAborted: m.GuidanceAborted.Load(),
	}
}

// subscribe wires the counters to bus events.
func (m *Metrics) subscribe(bus domain.EventBus) {
	count := func(typ domain.EventType, c *atomic.Int64) {
		bus.Subscribe(typ, func(context.Context, domain.Event) { c.Add(1) })
	}
	bus.SubscribeAll(func(_ context.Context, e domain.Event) { m.countTopic(e.Type) })
	count(domain.EventCaptureStarted, &m.CapturesStarted)
	count(domain.EventCaptureDenied, &m.CapturesDenied)
	count(domain.EventPrivacyNuked, &m.Nukes)
	count(domain.EventTransmission, &m.Transmissions)
	count(domain.EventGuidanceReady, &m.GuidanceReady)
	count(domain.EventGuidanceAborted, &m.GuidanceAborted)

	bus.Subscribe(domain.EventRecordsPurged, func(_ context.Context, e domain.Event) {
		var p struct {
			IDs []string `json:"ids"`
		}
		if json.Unmarshal(e.Payload, &p) == nil {
			m.RecordsPurged.Add(int64(len(p.IDs)))
		}
	})
}

// RegisterRESTHandlers registers the HTTP endpoints on the gateway server.
// /healthz is unauthenticated; the rest require a token.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}
	if deps.Bus != nil {
		metrics.subscribe(deps.Bus)
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFromRequest(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/healthz", healthHandler)
	return metrics
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "guardian-ai",
				Version:       Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Privacy: deps.Manager.Status(deps.Manager.Now()),
			Gateway: GatewayStatus{
				Clients:       s.Clients(),
				DroppedFrames: s.DroppedFrames(),
			},
			Events: metrics.Counts(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
}
