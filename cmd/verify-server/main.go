package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"billing-client/internal/config"
	"billing-client/internal/server"
	"billing-client/pkg/logging"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	db, err := server.OpenDatabase(config.AppConfig.DatabaseURL, config.AppConfig.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Session storage: Redis when configured, in-process otherwise
	var sessions server.SessionStore
	if config.AppConfig.RedisURL != "" {
		sessions, err = server.NewRedisSessionStore(config.AppConfig.RedisURL)
		if err != nil {
			log.Fatal("Failed to initialize Redis:", err)
		}
	} else {
		logging.Infof("Redis URL not set, using in-memory session store")
		sessions = server.NewMemorySessionStore()
	}

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	r := server.Router(server.Options{
		DB:                 db,
		Sessions:           sessions,
		ProtocolSignature:  config.AppConfig.ProtocolSignature,
		SessionTokenSecret: config.AppConfig.SessionTokenSecret,
		RateLimitPerMinute: config.AppConfig.RateLimitPerMinute,
	})

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
