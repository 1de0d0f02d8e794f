package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/transport"
)

// Server is the mock reference implementation of the §6 protocol,
// adapted from server/main.go's Server type: a gorm DB plus the single
// policy bundle every agent syncs against.
type Server struct {
	db      *gorm.DB
	limiter *RateLimiter
	bundle  *policy.Bundle
	log     zerolog.Logger
}

func (s *Server) handleRegister(c *gin.Context) {
	var req transport.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.AgentID == "" {
		respondError(c, http.StatusBadRequest, "agent_id is required", s.log)
		return
	}

	rec := AgentRecord{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Hostname:     req.Hostname,
		OS:           req.OS,
		OSVersion:    req.OSVersion,
		IPAddress:    req.IPAddress,
		Version:      req.Version,
		LastSeenAt:   time.Now().UTC(),
		RegisteredAt: time.Now().UTC(),
	}
	if err := s.db.Where(AgentRecord{AgentID: req.AgentID}).Assign(rec).FirstOrCreate(&rec).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist agent", s.log)
		return
	}

	requestLogger(c, s.log).Info().Str("agent_id", req.AgentID).Str("hostname", req.Hostname).Msg("agent registered")
	c.JSON(http.StatusCreated, gin.H{"status": "registered"})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	agentID := c.Param("id")
	var req transport.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	if !s.limiter.Allow("heartbeat:"+agentID, 120, time.Minute) {
		respondError(c, http.StatusTooManyRequests, "heartbeat rate limit exceeded", s.log)
		return
	}

	result := s.db.Model(&AgentRecord{}).Where("agent_id = ?", agentID).Updates(map[string]any{
		"ip_address":     req.IPAddress,
		"policy_version": req.PolicyVersion,
		"last_seen_at":   time.Now().UTC(),
	})
	if result.Error != nil {
		respondError(c, http.StatusInternalServerError, "failed to record heartbeat", s.log)
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "agent not registered", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSyncPolicies(c *gin.Context) {
	agentID := c.Param("id")
	var req transport.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	if req.InstalledVersion == s.bundle.Version && s.bundle.Version != "" {
		c.JSON(http.StatusOK, gin.H{"status": "up_to_date"})
		return
	}

	requestLogger(c, s.log).Info().Str("agent_id", agentID).Str("bundle_version", s.bundle.Version).Msg("delivering policy bundle")
	c.JSON(http.StatusOK, s.bundle)
}

func (s *Server) handleEvent(c *gin.Context) {
	var ev events.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	rec := EventRecord{
		EventID:        ev.EventID,
		EventType:      string(ev.EventType),
		EventSubtype:   ev.EventSubtype,
		AgentID:        ev.AgentID,
		UserIdentity:   ev.UserIdentity,
		Description:    ev.Description,
		Severity:       string(ev.Severity),
		Action:         string(ev.Action),
		Timestamp:      ev.Timestamp,
		AttributesJSON: string(attrs),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist event", s.log)
		return
	}

	requestLogger(c, s.log).Warn().
		Str("agent_id", ev.AgentID).
		Str("event_type", string(ev.EventType)).
		Str("event_subtype", ev.EventSubtype).
		Str("severity", string(ev.Severity)).
		Str("action", string(ev.Action)).
		Msg(ev.Description)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	agentID := c.Param("id")
	if err := s.db.Where("agent_id = ?", agentID).Delete(&AgentRecord{}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to unregister agent", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) listAgents(c *gin.Context) {
	var agents []AgentRecord
	s.db.Order("last_seen_at desc").Find(&agents)
	c.JSON(http.StatusOK, agents)
}

func (s *Server) getAgent(c *gin.Context) {
	agentID := c.Param("id")
	var agent AgentRecord
	if err := s.db.Where("agent_id = ?", agentID).First(&agent).Error; err != nil {
		respondError(c, http.StatusNotFound, "agent not found", s.log)
		return
	}
	var recent []EventRecord
	s.db.Where("agent_id = ?", agentID).Order("timestamp desc").Limit(20).Find(&recent)
	c.JSON(http.StatusOK, gin.H{"agent": agent, "recent_events": recent})
}
