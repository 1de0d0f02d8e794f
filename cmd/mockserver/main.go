// Command mockserver is a reference/dev implementation of the agent's
// server-side protocol (register, heartbeat, policy sync, events,
// unregister). It is not the spec's deliverable — the real fleet
// management server is explicitly out of scope — but exists to drive
// cmd/agent and cmd/agentctl end to end, the way server/main.go served
// as the teacher's own integration target for agent/main.go and
// cli/main.go.
package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	listen     = flag.String("listen", ":8443", "listen address")
	policyFile = flag.String("policy", "seed-policy.yaml", "seed policy YAML file")
	dbPath     = flag.String("db", "mockserver.db", "sqlite database path")
	Version    = "dev"
)

func main() {
	flag.Parse()

	logger := newLogger()
	logger.Info().Str("version", Version).Msg("mockserver starting")

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&AgentRecord{}, &EventRecord{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	bundle, err := loadSeedBundle(*policyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", *policyFile).Msg("failed to load seed policy")
	}
	logger.Info().Str("version", bundle.Version).Int("classes", len(bundle.Policies)).Msg("seed policy loaded")

	srv := &Server{
		db:      db,
		limiter: NewRateLimiter(),
		bundle:  bundle,
		log:     logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(logger))

	r.POST("/agents", srv.handleRegister)
	r.PUT("/agents/:id/heartbeat", srv.handleHeartbeat)
	r.POST("/agents/:id/policies/sync", srv.handleSyncPolicies)
	r.POST("/events", srv.handleEvent)
	r.DELETE("/agents/:id/unregister", srv.handleUnregister)
	r.GET("/agents", srv.listAgents)
	r.GET("/agents/:id", srv.getAgent)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	logger.Info().Str("listen", *listen).Msg("listening")
	if err := r.Run(*listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("MOCKSERVER_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
