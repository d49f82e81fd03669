package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/handlers"
	"github.com/loanflow/go-verification-flow/internal/provider"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterVerificationRoutes(r, cfg)

	return r
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	providerClient := provider.NewClient(provider.Config{
		BaseURL:      os.Getenv("PROVIDER_BASE_URL"),
		ClientID:     os.Getenv("PROVIDER_CLIENT_ID"),
		ClientSecret: os.Getenv("PROVIDER_CLIENT_SECRET"),
	})

	cfg := handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		CloudWatchClient: clients.CloudWatch,
		SessionsTable:    os.Getenv("SESSIONS_TABLE"),
		EventsTable:      os.Getenv("EVENTS_TABLE"),
		SubjectsTable:    os.Getenv("SUBJECTS_TABLE"),
		AlertsQueue:      os.Getenv("ALERTS_QUEUE_URL"),
		Provider:         providerClient,
		CallbackBaseURL:  os.Getenv("CALLBACK_BASE_URL"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		MaxRetryAttempts: envInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBase:        envSeconds("RETRY_BASE_SECONDS", 5),
		RetryCap:         envSeconds("RETRY_CAP_SECONDS", 60),
	}

	r := setupRouter(cfg)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
