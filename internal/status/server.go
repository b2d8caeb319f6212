// Package status exposes the safety net's state over HTTP and WebSocket.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

// Service is the service name reported in health messages.
const Service = "orion-safetynet"

const (
	defaultEventCount = 20
	maxEventCount     = 1000
)

// MonitorStatus reports the monitor state.
type MonitorStatus interface {
	Snapshot() safety.Snapshot
}

// LinkStatus reports the vehicle link connection.
type LinkStatus interface {
	IsConnected() bool
}

// TelemetryStatus reports telemetry freshness.
type TelemetryStatus interface {
	IsStale() bool
	RemainingMs() int
	LastSeen() time.Time
}

// Journal reads recent journaled events.
type Journal interface {
	Recent(ctx context.Context, contractType string, count int64) ([]map[string]interface{}, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server reports on. Nil optional fields are
// reported as unavailable.
type Deps struct {
	VehicleID string
	Version   string
	Monitor   MonitorStatus
	Link      LinkStatus
	Telemetry TelemetryStatus
	Journal   Journal
	Redis     Pinger
	Hub       *Hub
	Host      *HostCollector
}

// Server serves /health, /events and /ws.
type Server struct {
	deps    Deps
	started time.Time
	http    *http.Server
	logger  *logrus.Entry
}

// NewServer creates a server listening on :port.
func NewServer(port string, deps Deps, logger *logrus.Entry) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	if s.deps.Hub != nil {
		mux.Handle("/ws", s.deps.Hub)
	}
	return mux
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("HTTP status endpoint listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server failed: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.http.Shutdown(ctx)
}

// Health builds the health message served on /health and published as the
// MQTT heartbeat.
func (s *Server) Health(ctx context.Context) map[string]interface{} {
	now := time.Now().UTC()

	status := "ok"
	problems := []string{}

	mqttConnected := s.deps.Link != nil && s.deps.Link.IsConnected()
	if !mqttConnected {
		problems = append(problems, "mqtt_disconnected")
	}

	redisConnected := false
	if s.deps.Redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		redisConnected = s.deps.Redis.Ping(pingCtx) == nil
		cancel()
		if !redisConnected {
			problems = append(problems, "redis_disconnected")
		}
	}

	stale := false
	remaining := 0
	lastSeen := ""
	if s.deps.Telemetry != nil {
		stale = s.deps.Telemetry.IsStale()
		remaining = s.deps.Telemetry.RemainingMs()
		if seen := s.deps.Telemetry.LastSeen(); !seen.IsZero() {
			lastSeen = seen.UTC().Format(time.RFC3339Nano)
		}
		if stale {
			problems = append(problems, "telemetry_stale")
		}
	}

	if len(problems) > 0 {
		status = "degraded"
	}

	health := map[string]interface{}{
		"version":        "1.0",
		"status":         status,
		"service":        Service,
		"vehicle_id":     s.deps.VehicleID,
		"build":          s.deps.Version,
		"timestamp":      now.Format(time.RFC3339),
		"uptime_seconds": int(now.Sub(s.started).Seconds()),
		"connection_status": map[string]interface{}{
			"mqtt_connected":  mqttConnected,
			"redis_connected": redisConnected,
		},
		"telemetry": map[string]interface{}{
			"stale":        stale,
			"remaining_ms": remaining,
			"last_seen":    lastSeen,
		},
		"errors": problems,
	}
	if s.deps.Monitor != nil {
		health["monitor"] = s.deps.Monitor.Snapshot()
	}
	if s.deps.Host != nil {
		health["host"] = s.deps.Host.Collect(ctx)
	}
	if s.deps.Hub != nil {
		health["ws_clients"] = s.deps.Hub.Count()
	}
	return health
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health(r.Context()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event journal disabled"})
		return
	}

	count := int64(defaultEventCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a positive integer"})
			return
		}
		count = min(n, maxEventCount)
	}

	events, err := s.deps.Journal.Recent(r.Context(), validator.ContractSafetynetEvent, count)
	if err != nil {
		s.logger.Warnf("failed to read event journal: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "event journal unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vehicle_id": s.deps.VehicleID,
		"events":     events,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
