package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/loanflow/go-verification-flow/internal/aws"
)

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	sweeper := NewSweeper(clients)

	// RUN_LOCAL=true runs the sweep on a ticker instead of a scheduled Lambda.
	if os.Getenv("RUN_LOCAL") == "true" {
		interval := time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second
		log.Printf("[sweeper] running locally every %s", interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := sweeper.Handle(context.Background(), events.CloudWatchEvent{}); err != nil {
				log.Printf("[sweeper] sweep error: %v", err)
			}
		}
		return
	}

	lambda.Start(sweeper.Handle)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
