package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ocppsim/config"
	"ocppsim/perf"
	"ocppsim/recorder"
	"ocppsim/replay"
	"ocppsim/session"
	"ocppsim/storage"
)

// Server exposes the recorder, replayer, load pool and stores over HTTP,
// plus a websocket feed of live protocol events.
type Server struct {
	config   *config.Config
	store    *storage.Store
	recorder *recorder.Recorder
	replayer *replay.Replayer

	registry    *prometheus.Registry
	perfMetrics *perf.Metrics
	poolMux     sync.Mutex
	pool        *perf.Pool
	fleet       []perf.SessionSpec

	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	broadcast  chan []byte
}

type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func NewServer(cfg *config.Config, store *storage.Store, rec *recorder.Recorder, rep *replay.Replayer) *Server {
	registry := prometheus.NewRegistry()
	return &Server{
		config:      cfg,
		store:       store,
		recorder:    rec,
		replayer:    rep,
		registry:    registry,
		perfMetrics: perf.NewMetrics(registry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
	}
}

// Tap implements session.Tap: every protocol event of a tapped session is
// pushed to connected websocket clients.
func (s *Server) Tap(direction, chargePointID, action string, payload json.RawMessage) {
	s.BroadcastEvent("ocpp", map[string]interface{}{
		"direction":     direction,
		"chargePointId": chargePointID,
		"action":        action,
		"payload":       payload,
	})
}

func (s *Server) Start() error {
	go s.handleBroadcast()

	r := s.Router()

	address := fmt.Sprintf("%s:%d", s.config.Server.ListenHost, s.config.Server.ListenPort)
	log.Printf("Starting API server on http://%s", address)
	return http.ListenAndServe(address, r)
}

// Router builds the chi mux; split out so tests can drive it with httptest.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)

	r.Post("/recorder/start", s.handleRecorderStart)
	r.Post("/recorder/stop", s.handleRecorderStop)
	r.Get("/recorder/status", s.handleRecorderStatus)
	r.Post("/recorder/ui", s.handleRecorderUI)

	r.Get("/scenarios", s.handleScenarioList)
	r.Post("/scenarios", s.handleScenarioCreate)
	r.Get("/scenarios/{id}", s.handleScenarioGet)
	r.Delete("/scenarios/{id}", s.handleScenarioDelete)
	r.Post("/scenarios/{id}/run", s.handleScenarioRun)

	r.Get("/executions", s.handleExecutionList)
	r.Get("/executions/{id}", s.handleExecutionGet)
	r.Get("/executions/{id}/events", s.handleExecutionEvents)
	r.Get("/executions/{id}/logs", s.handleExecutionLogs)
	r.Post("/executions/{id}/cancel", s.handleExecutionCancel)

	r.Post("/perf/start", s.handlePerfStart)
	r.Post("/perf/stop", s.handlePerfStop)
	r.Get("/perf/status", s.handlePerfStatus)
	r.Post("/perf/import", s.handlePerfImport)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecorderStart(w http.ResponseWriter, r *http.Request) {
	var meta recorder.Metadata
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeError(w, http.StatusBadRequest, "invalid metadata: "+err.Error())
			return
		}
	}

	if err := s.recorder.Start(meta); err != nil {
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recording"})
}

func (s *Server) handleRecorderStop(w http.ResponseWriter, r *http.Request) {
	scenario, err := s.recorder.Stop()
	if err != nil {
		if errors.Is(err, recorder.ErrNotRecording) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.SaveScenario(scenario); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save scenario: "+err.Error())
		return
	}

	s.BroadcastEvent("scenario", map[string]string{"id": scenario.ID, "name": scenario.Name})
	writeJSON(w, http.StatusOK, scenario)
}

func (s *Server) handleRecorderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"recording": s.recorder.Armed()})
}

type uiEventRequest struct {
	ChargePointID string          `json:"chargePointId"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// handleRecorderUI records an operator-originated command alongside the
// protocol traffic so a replay can reproduce it.
func (s *Server) handleRecorderUI(w http.ResponseWriter, r *http.Request) {
	var req uiEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if !s.recorder.Armed() {
		writeError(w, http.StatusConflict, recorder.ErrNotRecording.Error())
		return
	}

	s.recorder.TapUI(req.ChargePointID, req.Action, req.Payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.store.ListScenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scenarios")
		return
	}
	if scenarios == nil {
		scenarios = []storage.ScenarioSummary{}
	}
	writeJSON(w, http.StatusOK, scenarios)
}

func (s *Server) handleScenarioCreate(w http.ResponseWriter, r *http.Request) {
	var scenario storage.Scenario
	if err := json.NewDecoder(r.Body).Decode(&scenario); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scenario: "+err.Error())
		return
	}

	if scenario.ID == "" {
		scenario.ID = uuid.New().String()
	}
	if scenario.CreatedAt.IsZero() {
		scenario.CreatedAt = time.Now().UTC()
	}

	if err := s.store.SaveScenario(&scenario); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save scenario: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, scenario)
}

func (s *Server) handleScenarioGet(w http.ResponseWriter, r *http.Request) {
	scenario, err := s.store.GetScenario(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scenario not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scenario)
}

func (s *Server) handleScenarioDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScenario(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scenario not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScenarioRun(w http.ResponseWriter, r *http.Request) {
	opts := replay.Options{URL: r.URL.Query().Get("url")}

	mode, err := replay.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Mode = mode

	if speed := r.URL.Query().Get("speed"); speed != "" {
		factor, err := strconv.ParseFloat(speed, 64)
		if err != nil || factor <= 0 {
			writeError(w, http.StatusBadRequest, "invalid speed factor: "+speed)
			return
		}
		opts.SpeedFactor = factor
	}

	execID, err := s.replayer.Start(chi.URLParam(r, "id"), opts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scenario not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": execID})
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	executions, err := s.store.ListExecutions(r.URL.Query().Get("scenarioId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if executions == nil {
		executions = []storage.ExecutionSummary{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) *storage.Execution {
	execution, err := s.replayer.Status(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return nil
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return execution
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	if execution := s.getExecution(w, r); execution != nil {
		writeJSON(w, http.StatusOK, execution)
	}
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if execution := s.getExecution(w, r); execution != nil {
		events := execution.Events
		if events == nil {
			events = []storage.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	if execution := s.getExecution(w, r); execution != nil {
		logs := execution.Logs
		if logs == nil {
			logs = []string{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	if !s.replayer.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "no running execution with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type perfStartRequest struct {
	URL          string `json:"url"`
	SessionCount int    `json:"sessionCount"`
	Concurrency  int    `json:"concurrency"`
	RampMs       int    `json:"rampMs"`
	HoldMs       int    `json:"holdMs"`
	UseFleet     bool   `json:"useFleet"`
}

func (s *Server) handlePerfStart(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine; everything has a config default or an
	// imported fleet to fall back on.
	var req perfStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if req.URL == "" {
		req.URL = s.config.OCPP.CentralSystemURL
	}
	if req.Concurrency <= 0 {
		req.Concurrency = s.config.Perf.Concurrency
	}
	ramp := s.config.Perf.RampInterval
	if req.RampMs > 0 {
		ramp = time.Duration(req.RampMs) * time.Millisecond
	}
	hold := s.config.OCPP.HoldDuration
	if req.HoldMs > 0 {
		hold = time.Duration(req.HoldMs) * time.Millisecond
	}

	s.poolMux.Lock()
	defer s.poolMux.Unlock()

	if s.pool != nil && s.pool.Status().Running {
		writeError(w, http.StatusConflict, perf.ErrAlreadyRunning.Error())
		return
	}

	var fleet []perf.SessionSpec
	switch {
	case req.UseFleet && len(s.fleet) > 0:
		fleet = s.fleet
	case req.SessionCount > 0:
		fleet = perf.SyntheticFleet(req.SessionCount)
	case len(s.fleet) > 0:
		fleet = s.fleet
	default:
		writeError(w, http.StatusBadRequest, "sessionCount must be positive or a fleet must be imported")
		return
	}

	s.pool = perf.NewPool(perf.Config{
		URL:           req.URL,
		Concurrency:   req.Concurrency,
		RampInterval:  ramp,
		MeterInterval: s.config.OCPP.MeterInterval,
		HoldDuration:  hold,
		CallTimeout:   s.config.OCPP.CallTimeout,
		LatencyWindow: s.config.Perf.LatencyWindow,
		Tap:           s.sessionTap(),
	}, s.perfMetrics)

	// The run outlives this request; Stop cancels it.
	if err := s.pool.Start(context.Background(), fleet); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "started",
		"sessions": len(fleet),
	})
}

func (s *Server) handlePerfStop(w http.ResponseWriter, r *http.Request) {
	s.poolMux.Lock()
	pool := s.pool
	s.poolMux.Unlock()

	if pool == nil {
		writeError(w, http.StatusConflict, "no load test running")
		return
	}
	pool.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handlePerfStatus(w http.ResponseWriter, r *http.Request) {
	s.poolMux.Lock()
	pool := s.pool
	s.poolMux.Unlock()

	if pool == nil {
		writeJSON(w, http.StatusOK, perf.Status{})
		return
	}
	writeJSON(w, http.StatusOK, pool.Status())
}

func (s *Server) handlePerfImport(w http.ResponseWriter, r *http.Request) {
	fleet, err := perf.ParseFleetCSV(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fleet CSV: "+err.Error())
		return
	}

	s.poolMux.Lock()
	s.fleet = fleet
	s.poolMux.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"imported": len(fleet)})
}

// sessionTap fans protocol events out to the websocket hub and, when armed,
// the recorder.
func (s *Server) sessionTap() session.Tap {
	return tapFunc(func(direction, chargePointID, action string, payload json.RawMessage) {
		s.Tap(direction, chargePointID, action, payload)
		s.recorder.Tap(direction, chargePointID, action, payload)
	})
}

type tapFunc func(direction, chargePointID, action string, payload json.RawMessage)

func (f tapFunc) Tap(direction, chargePointID, action string, payload json.RawMessage) {
	f(direction, chargePointID, action, payload)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()

	log.Printf("WebSocket client connected from %s", r.RemoteAddr)

	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, conn)
		s.clientsMux.Unlock()
		log.Printf("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcast() {
	for {
		message := <-s.broadcast
		s.clientsMux.RLock()
		conns := make([]*websocket.Conn, 0, len(s.clients))
		for client := range s.clients {
			conns = append(conns, client)
		}
		s.clientsMux.RUnlock()

		for _, client := range conns {
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				client.Close()
				s.clientsMux.Lock()
				delete(s.clients, client)
				s.clientsMux.Unlock()
			}
		}
	}
}

// BroadcastEvent sends an event to all connected WebSocket clients.
func (s *Server) BroadcastEvent(eventType string, data interface{}) {
	message := Message{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("Failed to marshal broadcast message: %v", err)
		return
	}

	select {
	case s.broadcast <- messageBytes:
	default:
		// Channel is full, skip this message
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
