package main

import "time"

// AgentRecord tracks registration and liveness for one enrolled agent,
// adapted from server/models.go's DeviceState to the DLP agent/server
// contract in spec §6 (register/heartbeat fields only — no identity
// signing in this reference harness).
type AgentRecord struct {
	ID            uint   `gorm:"primaryKey"`
	AgentID       string `gorm:"uniqueIndex"`
	Name          string
	Hostname      string
	OS            string
	OSVersion     string
	IPAddress     string
	Version       string
	PolicyVersion string
	LastSeenAt    time.Time
	RegisteredAt  time.Time
}

// EventRecord persists every delivered event envelope for the
// agentctl inspector CLI to list, adapted from server/models.go's
// audit-trail-style tables.
type EventRecord struct {
	ID           uint `gorm:"primaryKey"`
	EventID      string `gorm:"uniqueIndex"`
	EventType    string `gorm:"index"`
	EventSubtype string
	AgentID      string `gorm:"index"`
	UserIdentity string
	Description  string
	Severity     string
	Action       string
	Timestamp    time.Time
	AttributesJSON string `gorm:"type:text"`
}
