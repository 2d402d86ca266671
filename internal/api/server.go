package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vibranium/internal/alerts"
	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/model"
	"vibranium/internal/monitor"
	"vibranium/internal/normalize"
	"vibranium/internal/storage"
)

const maxBody = 1 << 20

type Server struct {
	cfg     *config.Manager
	svc     *monitor.Service
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	Prediction string         `json:"prediction_policy"`
	Monitor    monitor.Status `json:"monitor"`
}

func NewServer(cfg *config.Manager, svc *monitor.Service, logger *slog.Logger, version string) *Server {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	return &Server{cfg: cfg, svc: svc, logger: logging.OrDiscard(logger), version: version}
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg *config.Manager, svc *monitor.Service, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	logger = logging.OrDiscard(logger)
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)
	server := NewServer(cfg, svc, logger, version)

	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"service": "vibranium", "version": s.version})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/features", s.handleFeatures)
	r.Get("/features/{endpointID}", s.handleFeatures)
	r.Post("/admin/clear", s.handleClear)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/equipments/{id}", func(r chi.Router) {
			r.Get("/", s.getEquipment)
			r.Put("/", s.putEquipment)
			r.Post("/", s.putEquipment)
			r.Options("/", s.preflight)
			r.Post("/train", s.trainEquipment)
			r.Get("/export.csv", s.exportEquipment)
		})
		r.Route("/stations/{id}", func(r chi.Router) {
			r.Get("/", s.getStation)
			r.Put("/", s.putStation)
		})
		r.Route("/endpoints/{id}", func(r chi.Router) {
			r.Get("/", s.getEndpoint)
			r.Put("/", s.putEndpoint)
			r.Get("/acquisition", s.lastAcquisition)
			r.Post("/acquisition", s.postAcquisition)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Prediction: cfg.Prediction.Policy,
		Monitor:    s.svc.Status(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alerts.Filter{
		EquipmentID: q.Get("equipment"),
		EndpointID:  normalize.MAC(q.Get("endpoint")),
		Severity:    q.Get("severity"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		f.Since = ts
	}
	list := s.svc.Alerts().Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	if id := chi.URLParam(r, "endpointID"); id != "" {
		snap, ok := s.svc.Latest().Get(normalize.MAC(id))
		if !ok {
			writeError(w, http.StatusNotFound, "no features for endpoint")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	all := s.svc.Latest().GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"features": all,
		"count":    len(all),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.svc.Latest().Clear()
		s.svc.Alerts().Clear()
	case "alerts":
		s.svc.Alerts().Clear()
	case "features":
		s.svc.Latest().Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) getEquipment(w http.ResponseWriter, r *http.Request) {
	eq, err := s.svc.Store().Equipment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// putEquipment overlays the fields present in the body onto the stored row.
func (s *Server) putEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eq, err := s.svc.Store().Equipment(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !decodeOverlay(w, r, &eq) {
		return
	}
	eq.ID = id
	if err := s.svc.UpdateEquipment(r.Context(), eq); err != nil {
		s.writeStoreError(w, err)
		return
	}
	corsify(w)
	writeOK(w)
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Store().Equipment(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	corsify(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) trainEquipment(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RequestTraining(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
	case errors.Is(err, monitor.ErrTrainingBusy), errors.Is(err, monitor.ErrQueueFull):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) exportEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Store().Equipment(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	limit := s.svc.TableSize()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	w.Header().Set("Content-Type", "text/csv")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": id + ".csv"})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	if err := s.svc.Store().ExportCSV(r.Context(), w, id, limit); err != nil {
		s.logger.Error("csv export failed", "equipment_id", id, "err", err)
	}
}

func (s *Server) getStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Store().Station(r.Context(), normalize.MAC(chi.URLParam(r, "id")))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) putStation(w http.ResponseWriter, r *http.Request) {
	mac := normalize.MAC(chi.URLParam(r, "id"))
	st, err := s.svc.Store().Station(r.Context(), mac)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !decodeOverlay(w, r, &st) {
		return
	}
	st.MAC = mac
	if err := s.svc.Store().UpsertStation(r.Context(), st); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.svc.Store().Endpoint(r.Context(), normalize.MAC(chi.URLParam(r, "id")))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) putEndpoint(w http.ResponseWriter, r *http.Request) {
	mac := normalize.MAC(chi.URLParam(r, "id"))
	ep, err := s.svc.Store().Endpoint(r.Context(), mac)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !decodeOverlay(w, r, &ep) {
		return
	}
	ep.MAC = mac
	ep.StationMAC = normalize.MAC(ep.StationMAC)
	if err := s.svc.Store().UpsertEndpoint(r.Context(), ep); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) lastAcquisition(w http.ResponseWriter, r *http.Request) {
	mac := normalize.MAC(chi.URLParam(r, "id"))
	if _, err := s.svc.Store().Endpoint(r.Context(), mac); err != nil {
		s.writeStoreError(w, err)
		return
	}
	acq, err := s.svc.Store().LastAcquisition(r.Context(), mac)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acq)
}

func (s *Server) postAcquisition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var rec model.AcquisitionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid acquisition: "+err.Error())
		return
	}
	out, err := s.svc.HandleAcquisition(r.Context(), chi.URLParam(r, "id"), rec)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"OK":               http.StatusOK,
		"id":               out.ID,
		"mode":             out.Mode,
		"anomaly":          out.Anomaly,
		"outliers":         out.Outliers,
		"session_rows":     out.SessionRows,
		"training_started": out.TrainingStarted,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, monitor.ErrUnknownEndpoint),
		errors.Is(err, monitor.ErrUnknownEquipment):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeOverlay unmarshals the JSON body onto dst, leaving absent fields as
// they are. It writes a 400 and returns false on a missing or invalid body.
func decodeOverlay(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "json body required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func corsify(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"OK": http.StatusOK})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
