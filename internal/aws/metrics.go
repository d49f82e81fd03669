package aws

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted under the VerificationFlow namespace.
const (
	MetricWebhookReceived  = "WebhookReceived"
	MetricWebhookProcessed = "WebhookProcessed"
	MetricWebhookRetried   = "WebhookRetried"
	MetricWebhookFailed    = "WebhookFailed"
	MetricWebhookRejected  = "WebhookRejected"
)

const metricNamespace = "VerificationFlow"

// Metrics emits webhook pipeline counters to CloudWatch. Emission is
// best-effort: a metrics failure is logged and never fails the pipeline.
type Metrics struct {
	client  CloudWatchAPI
	nowFunc func() time.Time
}

// NewMetrics returns a Metrics emitter. A nil client disables emission,
// which keeps local runs and tests quiet without nil checks at call sites.
func NewMetrics(client CloudWatchAPI) *Metrics {
	return &Metrics{
		client:  client,
		nowFunc: time.Now,
	}
}

// Count emits a count-of-one datapoint for the given metric name.
func (m *Metrics) Count(ctx context.Context, name string) {
	if m == nil || m.client == nil {
		return
	}
	one := 1.0
	ts := m.nowFunc()
	ns := metricNamespace
	input := &cloudwatch.PutMetricDataInput{
		Namespace: &ns,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: &name,
				Timestamp:  &ts,
				Value:      &one,
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		log.Printf("[metrics] put metric %s: %v", name, err)
	}
}
