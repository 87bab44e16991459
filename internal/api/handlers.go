package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/nodes"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// ========== Auth handlers ==========

// HandleLogin exchanges the admin password for a bearer token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hash := s.rt.Current().API.AdminPasswordHash
	if !s.auth.VerifyPassword(req.Password, hash) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("管理登录失败")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.auth.GenerateToken("admin")
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires.UTC().Format(time.RFC3339),
		"expires_in":   int(s.auth.TTL().Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Status handlers ==========

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleStatus returns the radio state and counters
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.gw.Status())
}

// HandleHistory returns recent uplinks
func (s *RESTServer) HandleHistory(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history": s.gw.History(),
	})
}

// HandleStatsLog returns the most recent lines of the stored statistics log
func (s *RESTServer) HandleStatsLog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusNotFound, "no storage configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	lines, err := s.store.ReadLog(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("读取统计日志失败")
		s.respondError(w, http.StatusInternalServerError, "failed to read log")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"lines": lines,
		"count": len(lines),
	})
}

type nodeView struct {
	DevAddr          string                    `json:"devAddr"`
	Name             string                    `json:"name,omitempty"`
	Configured       bool                      `json:"configured"`
	LastSeen         *time.Time                `json:"lastSeen,omitempty"`
	SpreadingFactors []lorawan.SpreadingFactor `json:"spreadingFactors"`
}

func newNodeView(e *models.TrustedNodeEntry) nodeView {
	v := nodeView{
		DevAddr:          e.DeviceAddress.String(),
		Name:             e.FriendlyName,
		Configured:       e.Configured,
		SpreadingFactors: e.SeenSpreadingFactors(),
	}
	if !e.LastSeen.IsZero() {
		t := e.LastSeen
		v.LastSeen = &t
	}
	return v
}

// HandleListNodes lists the trusted-node table
func (s *RESTServer) HandleListNodes(w http.ResponseWriter, r *http.Request) {
	entries := s.gw.Nodes()
	out := make([]nodeView, 0, len(entries))
	for i := range entries {
		out = append(out, newNodeView(&entries[i]))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": out,
		"total": len(out),
	})
}

// HandleAddNode adds a trusted node to the running table
func (s *RESTServer) HandleAddNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevAddr *lorawan.DevAddr  `json:"devAddr"`
		Name    string            `json:"name"`
		NwkSKey lorawan.AES128Key `json:"nwkSKey"`
		AppSKey lorawan.AES128Key `json:"appSKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DevAddr == nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	added, err := s.gw.AddNode(models.TrustedNodeEntry{
		DeviceAddress: *req.DevAddr,
		FriendlyName:  req.Name,
		NwkSKey:       req.NwkSKey,
		AppSKey:       req.AppSKey,
	})
	switch {
	case errors.Is(err, nodes.ErrDuplicate):
		s.respondError(w, http.StatusConflict, "node already trusted")
		return
	case errors.Is(err, nodes.ErrTableFull):
		s.respondError(w, http.StatusConflict, "trusted node table full")
		return
	case err != nil:
		log.Error().Err(err).Msg("添加可信节点失败")
		s.respondError(w, http.StatusInternalServerError, "failed to add node")
		return
	}

	s.respondJSON(w, http.StatusCreated, newNodeView(&added))
}

// ========== Config handlers ==========

// configView 运行时可调整的配置项，字段名与 config.Patch 一致
type configView struct {
	ForwardingMode   string                  `json:"forwarding_mode"`
	Frequency        uint32                  `json:"frequency"`
	SpreadingFactor  lorawan.SpreadingFactor `json:"spreading_factor"`
	CAD              bool                    `json:"cad"`
	Granularity      int                     `json:"granularity"`
	NodesMax         int                     `json:"nodes_max"`
	Keepalive        config.Duration         `json:"keepalive_interval"`
	StatInterval     config.Duration         `json:"stat_interval"`
	WatchdogInterval config.Duration         `json:"watchdog_interval"`
	CheckMIC         bool                    `json:"check_mic"`
	DownlinkRewrite  bool                    `json:"downlink_rewrite"`
	CountUnknown     bool                    `json:"count_unknown"`
	Servers          []string                `json:"servers"`
	EUI              lorawan.EUI64           `json:"eui"`
}

func newConfigView(c *config.Config) configView {
	return configView{
		ForwardingMode:   c.Forwarding.Mode,
		Frequency:        c.Radio.Frequency,
		SpreadingFactor:  c.Radio.SpreadingFactor,
		CAD:              c.Radio.CAD,
		Granularity:      c.Statistics.Granularity,
		NodesMax:         c.Nodes.Max,
		Keepalive:        config.Duration(c.Backend.KeepaliveInterval),
		StatInterval:     config.Duration(c.Statistics.Interval),
		WatchdogInterval: config.Duration(c.Timers.WatchdogInterval),
		CheckMIC:         c.Codec.CheckMIC,
		DownlinkRewrite:  c.Downlink.Rewrite,
		CountUnknown:     c.Forwarding.CountUnknown,
		Servers:          c.Backend.Servers,
		EUI:              c.Gateway.EUI,
	}
}

// HandleGetConfig returns the runtime-tunable settings
func (s *RESTServer) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, newConfigView(s.rt.Current()))
}

// HandleUpdateConfig applies a partial update through the runtime
func (s *RESTServer) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if patch.IsEmpty() {
		s.respondError(w, http.StatusBadRequest, "no settings to change")
		return
	}

	next, err := s.rt.Apply(r.Context(), patch)
	if err != nil {
		if errors.Is(err, config.ErrInvalidPatch) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("应用配置失败")
		s.respondError(w, http.StatusInternalServerError, "failed to apply configuration")
		return
	}

	s.respondJSON(w, http.StatusOK, newConfigView(next))
}

// ========== Response helpers ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
