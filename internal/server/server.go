// Package server exposes the coordinator over HTTP: a JSON control plane
// under /api and a websocket event stream at /ws.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/engine"
	apperrors "fundarb/pkg/errors"

	"github.com/shopspring/decimal"
)

// Server is the control-plane HTTP server. It owns no engine state; every
// handler delegates to the coordinator.
type Server struct {
	cfg    *config.Config
	coord  *engine.Coordinator
	logger core.ILogger

	httpSrv *http.Server
}

func New(cfg *config.Config, coord *engine.Coordinator, logger core.ILogger) *Server {
	s := &Server{
		cfg:    cfg,
		coord:  coord,
		logger: logger.WithField("component", "server"),
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/engine/start", s.handleEngineStart)
	mux.HandleFunc("POST /api/engine/stop", s.handleEngineStop)
	mux.HandleFunc("POST /api/engine/kill-switch", s.handleKillSwitchOn)
	mux.HandleFunc("DELETE /api/engine/kill-switch", s.handleKillSwitchOff)
	mux.HandleFunc("POST /api/engine/scan", s.handleForceScan)
	mux.HandleFunc("GET /api/engine/status", s.handleStatus)
	mux.HandleFunc("GET /api/engine/risk", s.handleRisk)
	mux.HandleFunc("GET /api/engine/opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /api/engine/rates", s.handleRates)

	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("POST /api/positions/open", s.handleOpenPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", s.handleClosePosition)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Control server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  string(s.coord.State()),
	})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coord.State())})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	s.coord.Stop(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coord.State())})
}

type killSwitchRequest struct {
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleKillSwitchOn(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "kill switch activation requires confirm: true")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.coord.ActivateKillSwitch(r.Context(), req.Reason, req.Confirm); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kill_switch_active": true})
}

func (s *Server) handleKillSwitchOff(w http.ResponseWriter, r *http.Request) {
	s.coord.DeactivateKillSwitch()
	writeJSON(w, http.StatusOK, map[string]interface{}{"kill_switch_active": false})
}

func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ForceScan(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "scan completed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GetStatus(r.Context()))
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Risk().RiskStatus())
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := s.coord.Detector().LastOpportunities()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(opps),
		"opportunities": opps,
	})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rates":     s.coord.Scanner().Rates(),
		"exchanges": s.coord.Scanner().ExchangeStatus(),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		positions []*core.Position
		err       error
	)
	if r.URL.Query().Get("status") == "open" {
		positions, err = s.coord.Positions().GetOpenPositions(ctx)
	} else {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
		}
		positions, err = s.coord.Positions().GetPositions(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(positions),
		"positions": positions,
	})
}

type openPositionRequest struct {
	Pair          string  `json:"pair"`
	LongExchange  string  `json:"long_exchange"`
	ShortExchange string  `json:"short_exchange"`
	SizeUSD       float64 `json:"size_usd"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Pair == "" || req.LongExchange == "" || req.ShortExchange == "" {
		writeError(w, http.StatusBadRequest, "pair, long_exchange and short_exchange are required")
		return
	}
	if req.SizeUSD <= 0 {
		writeError(w, http.StatusBadRequest, "size_usd must be positive")
		return
	}

	pos, err := s.coord.OpenPosition(r.Context(),
		req.Pair, req.LongExchange, req.ShortExchange, decimal.NewFromFloat(req.SizeUSD))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

type closePositionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req closePositionRequest
	// Body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}

	pos, err := s.coord.ClosePosition(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// statusFor maps engine errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrEngineNotRunning),
		errors.Is(err, apperrors.ErrPositionNotOpen),
		errors.Is(err, apperrors.ErrDuplicateOpenPosition):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrMissingRateData):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
