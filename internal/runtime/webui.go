package runtime

import (
	"net/http"

	"github.com/drblury/ramqp/internal/runtime/jsoncodec"
	transportpkg "github.com/drblury/ramqp/transport"
)

// Status is the body served by the status endpoint.
type Status struct {
	Started   bool          `json:"started"`
	Healthy   bool          `json:"healthy"`
	Exchange  string        `json:"exchange"`
	Handlers  []HandlerInfo `json:"handlers"`
	Resources ResourceUsage `json:"resources"`

	// Transport tells operators, among others, whether a closed connection
	// comes back by itself and whether rejected messages are dead-lettered.
	Transport transportpkg.Capabilities `json:"transport"`
}

// Handlers describes every registered handler, in registration order.
func (s *System) Handlers() []HandlerInfo {
	handlers := s.router.Handlers()
	infos := make([]HandlerInfo, 0, len(handlers))
	for _, h := range handlers {
		_, stats := s.handlerState(h.Name)
		s.mu.Lock()
		q := s.queues[h.Name]
		s.mu.Unlock()
		if q.name == "" {
			q.name = QueueName(s.Conf.QueuePrefix, h)
		}
		infos = append(infos, HandlerInfo{
			Name:        h.Name,
			Queue:       q.name,
			QueueType:   q.queueType,
			RoutingKeys: s.router.RoutingKeys(h),
			Stats:       stats.Snapshot(),
		})
	}
	return infos
}

// Status returns the current Status.
func (s *System) Status() Status {
	return Status{
		Started:   s.Started(),
		Healthy:   s.Healthcheck(),
		Exchange:  s.Conf.Exchange,
		Handlers:  s.Handlers(),
		Resources: s.resources.Snapshot(),
		Transport: s.registry.GetCapabilities(s.Conf.GetTransport()),
	}
}

// StatusHandler serves "/api/handlers" with the Status as JSON and "/healthz",
// which answers 200 when Healthcheck passes and 503 otherwise.
func (s *System) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/handlers", s.handleGetHandlers)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *System) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

func (s *System) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	healthy := s.Healthcheck()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]bool{"healthy": healthy})
}

func (s *System) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsoncodec.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
