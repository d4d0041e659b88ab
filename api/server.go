// Package api exposes the chat assistant over HTTP: a streaming ask
// endpoint speaking the data-line wire protocol, plus health and
// collection stats.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/DnLK1/vtex-ollama-agent/chat"
	"github.com/DnLK1/vtex-ollama-agent/config"
	"github.com/DnLK1/vtex-ollama-agent/llm"
)

// StatsProvider is the slice of the vector store the server needs for the
// health and stats endpoints.
type StatsProvider interface {
	Count(ctx context.Context) (int, error)
	CollectionName() string
}

type Server struct {
	cfg     config.Config
	svc     *chat.Service
	stats   StatsProvider
	logger  *log.Logger
	handler http.Handler

	// pingClient checks upstream reachability for /api/health.
	pingClient *http.Client
}

type askRequest struct {
	Messages []apiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type askResponse struct {
	Answer  string        `json:"answer"`
	Sources []chat.Source `json:"sources"`
}

type statsResponse struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
	Records  int             `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg config.Config, svc *chat.Service, stats StatsProvider, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:        cfg,
		svc:        svc,
		stats:      stats,
		logger:     logger,
		pingClient: &http.Client{Timeout: 5 * time.Second},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Post("/api/ask", s.handleAsk)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	return r
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	history, err := toHistory(req.Messages)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()

	if !req.Stream {
		answer, sources, err := s.svc.AskSync(ctx, history)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, askResponse{Answer: answer, Sources: sources})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Each event is written and flushed before the next upstream read, so
	// the relay never runs ahead of the consumer. A failed write stops the
	// turn; request-context cancellation closes the upstream call.
	emit := func(event chat.StreamEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal stream event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.svc.Ask(ctx, history, emit); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		s.logger.Printf("ask stream aborted: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]bool{
		"ollama": s.pingOllama(ctx),
	}

	records := 0
	count, err := s.stats.Count(ctx)
	if err != nil {
		services["chroma"] = false
	} else {
		services["chroma"] = true
		records = count
	}

	status := "ok"
	for _, up := range services {
		if !up {
			status = "degraded"
			break
		}
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Services: services,
		Records:  records,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.stats.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Errorf("collection count: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Collection: s.stats.CollectionName(),
		Count:      count,
	})
}

func (s *Server) pingOllama(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.OllamaHost, nil)
	if err != nil {
		return false
	}
	resp, err := s.pingClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func toHistory(messages []apiMessage) ([]llm.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	history := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			return nil, fmt.Errorf("unsupported message role: %q", msg.Role)
		}
		history = append(history, llm.Message{Role: role, Content: msg.Content})
	}

	if history[len(history)-1].Role != llm.RoleUser {
		return nil, fmt.Errorf("last message must be from the user")
	}
	return history, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return fmt.Errorf("request body is required")
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}
