package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/stagehand/internal/document"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/gateway"
	"github.com/nidhogg/stagehand/internal/orchestrator"
	"github.com/nidhogg/stagehand/internal/tool"
	"go.uber.org/zap"
)

// ToolCatalog lists the registered tools.
type ToolCatalog interface {
	List() []tool.Definition
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	runs     *orchestrator.Runs
	tools    ToolCatalog
	doc      *document.Tree
	gw       *gateway.Gateway
	metrics  http.Handler
	upgrader websocket.Upgrader
	poll     time.Duration
	logger   *zap.Logger
}

// NewHandler creates a new API handler. gw and metrics may be nil.
func NewHandler(
	runs *orchestrator.Runs,
	tools ToolCatalog,
	doc *document.Tree,
	gw *gateway.Gateway,
	metrics http.Handler,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		runs:    runs,
		tools:   tools,
		doc:     doc,
		gw:      gw,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		poll:   200 * time.Millisecond,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/tools", h.listTools)

		r.Post("/runs", h.submitRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/terminate", h.terminateRun)
		r.Get("/runs/{id}/events", h.runEvents)
		r.Get("/runs/{id}/ws", h.streamRun)

		r.Get("/document", h.getDocument)
		r.Get("/gateway/status", h.gatewayStatus)
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "stagehand"})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tools.List())
}

type submitRequest struct {
	Goal string `json:"goal"`
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	run, err := h.runs.Submit(req.Goal)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	h.logger.Info("run submitted", zap.String("run", run.ID))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

type runSummary struct {
	ID        string              `json:"id"`
	Goal      string              `json:"goal"`
	Submitted time.Time           `json:"submitted"`
	Status    orchestrator.Status `json:"status"`
}

func summarize(run *orchestrator.Run) runSummary {
	return runSummary{
		ID:        run.ID,
		Goal:      run.Goal,
		Submitted: run.Submitted,
		Status:    run.Supervisor.Status(),
	}
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.List()
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*orchestrator.Run, bool) {
	run, ok := h.runs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
	}
	return run, ok
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(run))
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) terminateRun(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated via api"
	}
	id := chi.URLParam(r, "id")
	if err := h.runs.Terminate(id, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating", "run_id": id})
}

func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	evs := run.Recorder.Since(since)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	elements, err := h.doc.Query(r.URL.Query().Get("selector"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, document.ErrInvalidSelector) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"html":     h.doc.Snapshot(),
		"elements": elements,
	})
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusOK, []gateway.AdapterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.Statuses())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
