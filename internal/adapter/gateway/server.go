package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/middleware"
	"guardian-ai/internal/infra/tracer"
	"guardian-ai/internal/security"
)

const (
	maxFrameBytes       = 1 << 20
	peerQueueSize       = 64
	peerMaxInFlight     = 8
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

// methodSubscribe is answered by the server itself: it narrows the events
// pushed to the calling connection.
const methodSubscribe = "events.subscribe"

var loopbackOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}

// RPCHandler handles one RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// Greeter returns the events pushed to a client right after it connects,
// typically the current privacy status.
type Greeter func(ctx context.Context, client *ClientInfo) []domain.Event

// ServerOptions configures the listener and the HTTP middleware chain.
type ServerOptions struct {
	Addr           string
	LoopbackOnly   bool
	RateLimit      middleware.RateLimitConfig // zero RequestsPerMin disables limiting
	AllowedOrigins []string                   // WebSocket origin patterns; defaults to loopback hosts
	PingInterval   time.Duration              // 0 uses 30s, negative disables keep-alive
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// Server is the local gateway: JSON-RPC over WebSocket, lifecycle event
// push, and a few REST routes.
type Server struct {
	bus    domain.EventBus
	auth   Authenticator
	opts   ServerOptions
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]RPCHandler
	routes   []httpRoute
	greeter  Greeter

	peers     sync.Map // id -> *peer
	nextID    atomic.Uint64
	dropped   atomic.Int64
	boundAddr atomic.Value // string

	httpSrv  *http.Server
	unsub    func()
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a gateway server. Call Start to listen.
func NewServer(bus domain.EventBus, auth Authenticator, opts ServerOptions, logger *slog.Logger) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = loopbackOrigins
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Server{
		bus:      bus,
		auth:     auth,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]RPCHandler),
	}
}

// RegisterHandler binds method to handler. It may be called while clients
// are connected.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.mu.Lock()
	s.handlers[method] = handler
	s.mu.Unlock()
}

func (s *Server) lookup(method string) (RPCHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Methods returns the registered RPC method names, including the built-in
// subscription method.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers)+1)
	for m := range s.handlers {
		out = append(out, m)
	}
	return append(out, methodSubscribe)
}

// RegisterHTTPRoute adds a REST route. Routes registered after Start are ignored.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.mu.Lock()
	s.routes = append(s.routes, httpRoute{pattern: pattern, handler: handler})
	s.mu.Unlock()
}

// SetGreeter installs the connect-time greeting.
func (s *Server) SetGreeter(g Greeter) {
	s.mu.Lock()
	s.greeter = g
	s.mu.Unlock()
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	n := 0
	s.peers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// DroppedFrames returns how many frames were dropped for slow clients.
func (s *Server) DroppedFrames() int64 { return s.dropped.Load() }

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: s.buildHandler(ctx), ReadHeaderTimeout: 10 * time.Second}
	s.unsub = s.bus.SubscribeAll(s.fanOut)
	s.mu.Unlock()
	s.boundAddr.Store(listener.Addr().String())

	s.logger.Info("gateway started", "addr", s.BoundAddr(), "loopback_only", s.opts.LoopbackOnly)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) buildHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, r := range s.routes {
		mux.HandleFunc(r.pattern, r.handler)
	}

	var h http.Handler = mux
	if s.opts.RateLimit.RequestsPerMin > 0 {
		h = middleware.RateLimit(ctx, s.opts.RateLimit)(h)
	}
	if s.opts.LoopbackOnly {
		h = middleware.LoopbackOnly(h)
	}
	return middleware.SecurityHeaders(h)
}

// Stop disconnects every client and shuts the listener down. It is safe to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.RLock()
		unsub, srv := s.unsub, s.httpSrv
		s.mu.RUnlock()
		if unsub != nil {
			unsub()
		}
		s.peers.Range(func(key, value any) bool {
			p := value.(*peer)
			p.close()
			p.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.peers.Delete(key)
			return true
		})
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s.stopErr = srv.Shutdown(shutdownCtx)
		}
	})
	return s.stopErr
}

// fanOut pushes a bus event to every client whose filter accepts it.
func (s *Server) fanOut(_ context.Context, e domain.Event) {
	frame, err := eventFrame(e)
	if err != nil {
		s.logger.Warn("gateway: encode event failed", "type", string(e.Type), "error", err)
		return
	}
	s.peers.Range(func(_, value any) bool {
		p := value.(*peer)
		if p.wants(e.Type) && !p.send(frame) {
			s.dropped.Add(1)
			s.logger.Warn("gateway: dropped event for slow client", "client", p.info.Name, "type", string(e.Type))
		}
		return true
	})
}

// tokenFromRequest reads the token from the query string or a Bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	p := newPeer(s.nextID.Add(1), info, ws)
	s.peers.Store(p.id, p)
	s.logger.Info("gateway client connected", "conn_id", p.id, "client", info.Name)

	ctx := security.WithActor(r.Context(), info.Name)
	go s.writeLoop(p)
	go s.keepAlive(ctx, p)
	s.greet(ctx, p)
	s.readLoop(ctx, p)

	p.close()
	s.peers.Delete(p.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", p.id, "client", info.Name)
}

func (s *Server) greet(ctx context.Context, p *peer) {
	s.mu.RLock()
	g := s.greeter
	s.mu.RUnlock()
	if g == nil {
		return
	}
	for _, e := range g(ctx, p.info) {
		if frame, err := eventFrame(e); err == nil {
			p.send(frame)
		}
	}
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, p.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameRequest {
			continue
		}
		select {
		case p.slots <- struct{}{}:
		case <-p.done:
			return
		}
		go func() {
			defer func() { <-p.slots }()
			s.dispatch(ctx, p, frame)
		}()
	}
}

func (s *Server) writeLoop(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, p.ws, frame)
			cancel()
			if err != nil {
				p.close()
				return
			}
		}
	}
}

// keepAlive pings the client and drops it when a pong does not arrive
// within one interval.
func (s *Server) keepAlive(ctx context.Context, p *peer) {
	if s.opts.PingInterval < 0 {
		return
	}
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingInterval)
			err := p.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Info("gateway client unresponsive", "conn_id", p.id, "error", err)
				p.close()
				p.ws.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *peer, req Frame) {
	ctx, span := tracer.StartSpan(ctx, "gateway.rpc")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("rpc.method", req.Method),
		tracer.StringAttr("rpc.client", p.info.Name),
	)

	var (
		result json.RawMessage
		err    error
	)
	if req.Method == methodSubscribe {
		result, err = s.subscribe(p, req.Payload)
	} else if h, ok := s.lookup(req.Method); ok {
		result, err = h(ctx, p.info, req.Payload)
	} else {
		err = domain.NewDomainError("gateway."+req.Method, domain.ErrRPCMethodNotFound, req.Method)
	}

	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Debug("rpc failed", "method", req.Method, "client", p.info.Name, "code", string(domain.ErrorCodeOf(err)))
	} else {
		tracer.SetOK(span)
	}
	if !p.send(responseFrame(req.ID, result, err)) {
		s.dropped.Add(1)
		s.logger.Warn("gateway: dropped RPC response for slow client", "client", p.info.Name, "frame_id", req.ID)
	}
}

type subscribeRequest struct {
	Types []string `json:"types"`
}

func (s *Server) subscribe(p *peer, payload json.RawMessage) (json.RawMessage, error) {
	var req subscribeRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	set, err := newTopicSet(req.Types)
	if err != nil {
		return nil, err
	}
	p.topics.Store(set)
	patterns := []string{"*"}
	if set != nil {
		patterns = set.patterns
	}
	return json.Marshal(map[string][]string{"types": patterns})
}
