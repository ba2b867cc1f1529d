package runtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerjob/remoting/internal/runtime/jsoncodec"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
)

// DefaultAdminPort is used when the admin endpoint is enabled without a port.
const DefaultAdminPort = 8081

// HandlerInfo is one entry of /api/handlers.
type HandlerInfo struct {
	Name      string          `json:"name"`
	Address   string          `json:"address"`
	Policy    string          `json:"policy"`
	Instances int             `json:"instances"`
	Lane      string          `json:"lane,omitempty"`
	Stats     HandlerSnapshot `json:"stats"`
}

// SystemInfo is the body of /api/system.
type SystemInfo struct {
	System       string             `json:"system"`
	Endpoint     string             `json:"endpoint"`
	Transport    string             `json:"transport"`
	Delivery     string             `json:"delivery"`
	Running      bool               `json:"running"`
	StartedAt    time.Time          `json:"started_at"`
	Handlers     []string           `json:"handlers"`
	Subscribers  []string           `json:"fault_subscribers"`
	OutboundLane int                `json:"outbound_lanes"`
	DeadLetters  DeadLetterSnapshot `json:"dead_letters"`
	Resource     ResourceUsage      `json:"resource"`
}

// HandlerInfos snapshots every registered handler, sorted by name.
func (s *System) HandlerInfos() []HandlerInfo {
	s.handlersMu.RLock()
	handlers := make([]*registeredHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].name < handlers[j].name })
	infos := make([]HandlerInfo, 0, len(handlers))
	for _, h := range handlers {
		infos = append(infos, HandlerInfo{
			Name:      h.name,
			Address:   s.Self(h.name).String(),
			Policy:    h.policy.String(),
			Instances: len(h.instances),
			Lane:      h.lane,
			Stats:     h.stats.Snapshot(h.backlog()),
		})
	}
	return infos
}

// Info describes the node for the admin endpoint.
func (s *System) Info() SystemInfo {
	caps := s.Capabilities()
	info := SystemInfo{
		System:       s.name,
		Endpoint:     s.endpoint.String(),
		Transport:    caps.Name,
		Delivery:     caps.DeliveryGuarantee(),
		Running:      s.Running(),
		StartedAt:    s.startedAt,
		Handlers:     s.Handlers(),
		OutboundLane: s.outbound.activeLanes(),
		DeadLetters:  s.metrics.DeadLetters(),
		Resource:     s.resources.Snapshot(),
	}
	for _, sub := range s.events.Subscribers() {
		info.Subscribers = append(info.Subscribers, sub.String())
	}
	return info
}

// RegisterHTTPHandler mounts handler on the admin/metrics server for port.
// Servers are started by Start; handlers added afterwards are still served
// when the port's server already exists.
func (s *System) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	if s.httpMuxes == nil {
		s.httpMuxes = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *System) startHTTPServers() error {
	// A failed Start may be retried; ServeMux rejects duplicate patterns.
	s.httpRoutes.Do(func() {
		if s.conf.MetricsEnabled && s.conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(s.conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		if s.conf.AdminEnabled {
			port := s.conf.AdminPort
			if port == 0 {
				port = DefaultAdminPort
			}
			s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
			s.RegisterHTTPHandler(port, "/api/system", http.HandlerFunc(s.handleGetSystem))
		}
	})

	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	var started []*http.Server
	for port, mux := range s.httpMuxes {
		addr := net.JoinHostPort(s.conf.GetBindHost(), strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, srv := range started {
				_ = srv.Close()
			}
			return fmt.Errorf("remoting: listen %s: %w", addr, err)
		}
		srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		started = append(started, srv)
		s.logger.Info("[Admin] starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("[Admin] HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	s.httpServers = started
	return nil
}

func (s *System) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.HandlerInfos())
}

func (s *System) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Info())
}

func (s *System) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", jsoncodec.ContentType)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("[Admin] failed to encode response", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
