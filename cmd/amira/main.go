package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/amira-dev/amira"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/amira.yaml"), "Configuration file")
	apiPort    = flag.Int("port", getEnvInt("PORT", 0), "API server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting AMIRA engine v%s", Version)
	log.Printf("Config: %s", *configFile)

	cfg, err := amira.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *apiPort != 0 {
		cfg.Server.Port = *apiPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := amira.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Printf("Engine close error: %v", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- engine.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Error: %v", err)
		}
	case <-quit:
		log.Println("Shutting down engine...")
		cancel()
		<-errChan
	}

	log.Println("Engine stopped")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		fmt.Fprintf(os.Stderr, "invalid %s value %q, using default\n", key, value)
	}
	return defaultValue
}
