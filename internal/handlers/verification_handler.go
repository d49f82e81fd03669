package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/provider"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/subjects"
	"github.com/loanflow/go-verification-flow/internal/validation"
	"github.com/loanflow/go-verification-flow/internal/verification"
	"github.com/loanflow/go-verification-flow/internal/webhooks"
)

// HandlerConfig groups dependencies for the verification routes.
type HandlerConfig struct {
	DynamoDBClient   aws.DynamoDBAPI
	SQSClient        aws.SQSAPI
	CloudWatchClient aws.CloudWatchAPI

	SessionsTable string
	EventsTable   string
	SubjectsTable string
	AlertsQueue   string

	Provider        *provider.Client
	CallbackBaseURL string
	WebhookSecret   string

	MaxRetryAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration
}

// RegisterVerificationRoutes wires the verification engine's HTTP surface.
func RegisterVerificationRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	metrics := aws.NewMetrics(cfg.CloudWatchClient)
	sessionStore := sessions.NewStore(cfg.DynamoDBClient, cfg.SessionsTable)
	subjectStore := subjects.NewStore(cfg.DynamoDBClient, cfg.SubjectsTable)
	eventStore := webhooks.NewStore(cfg.DynamoDBClient, cfg.EventsTable)
	alerts := aws.NewAlertPublisher(cfg.SQSClient, cfg.AlertsQueue)

	svc := verification.NewService(cfg.Provider, sessionStore, subjectStore, verification.ServiceConfig{
		CallbackBaseURL: cfg.CallbackBaseURL,
		SubjectsTable:   cfg.SubjectsTable,
	})
	auth := webhooks.NewAuthenticator(cfg.WebhookSecret)
	processor := webhooks.NewProcessor(eventStore, svc.Applier(), metrics)
	scheduler := webhooks.NewScheduler(eventStore, processor, alerts, metrics, webhooks.SchedulerConfig{
		MaxAttempts: cfg.MaxRetryAttempts,
		BackoffBase: cfg.RetryBase,
		BackoffCap:  cfg.RetryCap,
	})

	r.POST("/verification/sessions", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.StartVerificationRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		redirectURL, err := svc.Initiate(ctx, req.SubjectID, req.ReturnURL)
		if err != nil {
			if errors.Is(err, provider.ErrProvider) {
				c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "detail": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "initiate_failed", "detail": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"redirect_url": redirectURL})
	})

	r.GET("/verification/status", func(c *gin.Context) {
		ctx := c.Request.Context()

		subjectID := c.Query("subjectId")
		if subjectID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_subject_id"})
			return
		}

		res, err := svc.Status(ctx, subjectID)
		if err != nil {
			if errors.Is(err, verification.ErrNoSession) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status_lookup_failed", "detail": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       res.Status,
			"session_id":   res.SessionID,
			"last_updated": res.LastUpdated.Format(time.RFC3339),
		})
	})

	r.POST("/verification/webhook", func(c *gin.Context) {
		ctx := c.Request.Context()

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}

		if !auth.Verify(raw, c.GetHeader("X-Signature"), c.GetHeader("X-Timestamp")) {
			metrics.Count(ctx, aws.MetricWebhookRejected)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		payload, err := webhooks.ParsePayload(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}

		ev, err := processor.Ingest(ctx, payload, raw)
		if err != nil {
			// nothing stored yet, so let the provider redeliver
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event_store_failed", "detail": err.Error()})
			return
		}

		// From here the delivery is acknowledged no matter what: processing
		// failures become our retries, not the provider's.
		if err := processor.Apply(ctx, ev); err != nil {
			if schedErr := scheduler.ScheduleRetry(ctx, ev, err); schedErr != nil {
				log.Printf("[webhook] schedule retry for event=%s: %v", ev.ID, schedErr)
			}
		}

		c.JSON(http.StatusOK, gin.H{"received": true, "event_id": ev.ID})
	})

	r.POST("/verification/webhook/retry", func(c *gin.Context) {
		ctx := c.Request.Context()

		processed, failed, err := scheduler.RunDueRetries(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "detail": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"swept": processed, "failed": failed})
	})
}
