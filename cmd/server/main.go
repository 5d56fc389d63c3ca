package main

import (
	"display-resolver/internal/app/server"
	"display-resolver/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel)

	server.Run(cfg)
}
