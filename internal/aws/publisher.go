package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// AlertPublisher sends operator-intervention alerts to an SQS queue.
// An alert is published when a webhook event exhausts its retry budget and is
// marked terminally failed; an operator drains the queue and replays the event
// manually via the retry endpoint.
type AlertPublisher struct {
	SQS      SQSAPI
	QueueURL string
}

// OperatorAlert is the message body placed on the alert queue.
type OperatorAlert struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// NewAlertPublisher returns a publisher bound to a queue URL.
func NewAlertPublisher(sqsClient SQSAPI, queueURL string) *AlertPublisher {
	return &AlertPublisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishFailure publishes an alert for a terminally failed webhook event.
func (p *AlertPublisher) PublishFailure(ctx context.Context, alert OperatorAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	bodyStr := string(body)

	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &bodyStr,
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_id": {
				DataType:    awsString("String"),
				StringValue: &alert.EventID,
			},
			"session_id": {
				DataType:    awsString("String"),
				StringValue: &alert.SessionID,
			},
		},
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
