package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/subjects"
	"github.com/loanflow/go-verification-flow/internal/verification"
	"github.com/loanflow/go-verification-flow/internal/webhooks"
)

// Sweeper runs the periodic retry sweep over due webhook events.
type Sweeper struct {
	scheduler *webhooks.Scheduler
}

// NewSweeper wires the sweep from environment configuration.
func NewSweeper(clients *aws.AWSClients) *Sweeper {
	metrics := aws.NewMetrics(clients.CloudWatch)
	sessionStore := sessions.NewStore(clients.DynamoDB, os.Getenv("SESSIONS_TABLE"))
	subjectStore := subjects.NewStore(clients.DynamoDB, os.Getenv("SUBJECTS_TABLE"))
	eventStore := webhooks.NewStore(clients.DynamoDB, os.Getenv("EVENTS_TABLE"))
	alerts := aws.NewAlertPublisher(clients.SQS, os.Getenv("ALERTS_QUEUE_URL"))

	applier := &verification.Applier{Sessions: sessionStore, Subjects: subjectStore}
	processor := webhooks.NewProcessor(eventStore, applier, metrics)
	scheduler := webhooks.NewScheduler(eventStore, processor, alerts, metrics, webhooks.SchedulerConfig{
		MaxAttempts: envInt("MAX_RETRY_ATTEMPTS", 3),
		BackoffBase: time.Duration(envInt("RETRY_BASE_SECONDS", 5)) * time.Second,
		BackoffCap:  time.Duration(envInt("RETRY_CAP_SECONDS", 60)) * time.Second,
	})

	return &Sweeper{scheduler: scheduler}
}

// Handle runs one sweep. Invoked by the scheduled event; the event itself
// carries nothing the sweep needs.
func (s *Sweeper) Handle(ctx context.Context, _ events.CloudWatchEvent) error {
	processed, failed, err := s.scheduler.RunDueRetries(ctx)
	if err != nil {
		return err
	}
	log.Printf("[sweeper] sweep done: processed=%d failed=%d", processed, failed)
	return nil
}
