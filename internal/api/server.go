package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"banwatch/internal/aggregate"
	"banwatch/internal/banstate"
	"banwatch/internal/config"
	"banwatch/internal/enforce"
	"banwatch/internal/fault"
	"banwatch/internal/geo"
	"banwatch/internal/model"
)

type Server struct {
	cfg     *config.Manager
	bans    *banstate.Store
	agg     *aggregate.Aggregator
	geo     *geo.Resolver
	client  *enforce.Client
	logger  *slog.Logger
	version string
}

func Start(ctx context.Context, cfg *config.Manager, bans *banstate.Store, agg *aggregate.Aggregator, resolver *geo.Resolver, client *enforce.Client, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		bans:    bans,
		agg:     agg,
		geo:     resolver,
		client:  client,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/jails", server.handleJails)
	mux.HandleFunc("/jails/", server.handleJail)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/bans", server.handleBans)
	mux.HandleFunc("/geo/", server.handleGeo)
	mux.HandleFunc("/report", server.handleReport)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	Version    string             `json:"version"`
	ConfigPath string             `json:"config_path"`
	Server     model.ServerStatus `json:"server"`
	Ingested   uint64             `json:"events_ingested"`
	Skipped    uint64             `json:"events_skipped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ingested, skipped := s.agg.Counts()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Server:     s.client.ServerStatus(r.Context()),
		Ingested:   ingested,
		Skipped:    skipped,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jails := s.bans.ListJails()
	writeJSON(w, http.StatusOK, map[string]any{
		"jails": jails,
		"count": len(jails),
	})
}

// handleJail serves /jails/{name} plus the mutation subpaths
// /jails/{name}/ban, /jails/{name}/unban and /jails/{name}/config.
func (s *Server) handleJail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jails/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		state, err := s.bans.GetJail(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	case "ban":
		s.handleBan(w, r, name)
	case "unban":
		s.handleUnban(w, r, name)
	case "config":
		s.handleConfig(w, r, name)
	case "reload", "start", "stop":
		s.handleLifecycle(w, r, name, sub)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, jail, verb string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.bans.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "enforcement backend unreachable"})
		return
	}
	if _, err := s.bans.GetJail(jail); err != nil {
		writeError(w, err)
		return
	}
	var err error
	switch verb {
	case "reload":
		err = s.client.Reload(r.Context(), jail)
	case "start":
		err = s.client.StartJail(r.Context(), jail)
	case "stop":
		err = s.client.StopJail(r.Context(), jail)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jail": jail, "action": verb})
}

type banRequest struct {
	IP       string `json:"ip"`
	Duration *int64 `json:"duration,omitempty"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request, jail string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.bans.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "enforcement backend unreachable"})
		return
	}
	var req banRequest
	if !readJSON(w, r, &req) {
		return
	}
	seconds := banstate.BanPermanent
	if req.Duration != nil {
		seconds = *req.Duration
	}
	rec, err := s.bans.Ban(r.Context(), jail, req.IP, seconds, model.ReasonManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ban": rec})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request, jail string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.bans.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "enforcement backend unreachable"})
		return
	}
	var req banRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.bans.Unban(r.Context(), jail, req.IP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type configRequest struct {
	Param string `json:"param"`
	Value string `json:"value"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, jail string) {
	switch r.Method {
	case http.MethodGet:
		if _, err := s.bans.GetJail(jail); err != nil {
			writeError(w, err)
			return
		}
		params, err := s.client.JailConfig(r.Context(), jail)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jail": jail, "config": params})
	case http.MethodPost:
		if !s.bans.Live() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "enforcement backend unreachable"})
			return
		}
		var req configRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := s.bans.SetConfig(r.Context(), jail, req.Param, req.Value); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	window := s.cfg.Get().Aggregate.MaxWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid window"})
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.agg.Snapshot(window))
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records := s.bans.Records()
	writeJSON(w, http.StatusOK, map[string]any{
		"bans":  records,
		"count": len(records),
	})
}

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ip := strings.TrimPrefix(r.URL.Path, "/geo/")
	if ip == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	info, err := s.geo.Resolve(r.Context(), ip)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type reportResponse struct {
	GeneratedAt string             `json:"generated_at"`
	Server      model.ServerStatus `json:"server"`
	Jails       []model.JailState  `json:"jails"`
	Stats       model.Stats        `json:"stats"`
	Bans        []model.BanRecord  `json:"bans"`
	TopOrigins  []originEntry      `json:"top_origins"`
}

type originEntry struct {
	IP    string        `json:"ip"`
	Count int           `json:"count"`
	Geo   model.GeoInfo `json:"geo"`
}

// handleReport assembles a point-in-time summary across all stores.
// Geolocation is best-effort: an origin whose lookup fails still
// appears, flagged unavailable.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := s.agg.Snapshot(s.cfg.Get().Aggregate.MaxWindow)
	origins := make([]originEntry, 0, len(stats.TopIPs))
	for _, top := range stats.TopIPs {
		info, err := s.geo.Resolve(r.Context(), top.IP)
		if err != nil {
			info = model.GeoInfo{IP: top.IP, Unavailable: true}
		}
		origins = append(origins, originEntry{IP: top.IP, Count: top.Count, Geo: info})
	}
	resp := reportResponse{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Server:      s.client.ServerStatus(r.Context()),
		Jails:       s.bans.ListJails(),
		Stats:       stats,
		Bans:        s.bans.Records(),
		TopOrigins:  origins,
	}
	writeJSON(w, http.StatusOK, resp)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body read failed"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InvalidArgument:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Timeout:
		status = http.StatusGatewayTimeout
	case fault.Unavailable:
		status = http.StatusServiceUnavailable
	case fault.Conflict:
		status = http.StatusConflict
	case fault.Desync:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
