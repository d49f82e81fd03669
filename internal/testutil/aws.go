package testutil

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MockSQS records sent messages.
type MockSQS struct {
	mu   sync.Mutex
	Sent []string // message bodies, in send order
}

func (m *MockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

// SentCount returns how many messages were published.
func (m *MockSQS) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockCloudWatch counts datapoints per metric name.
type MockCloudWatch struct {
	mu     sync.Mutex
	Counts map[string]int
}

func (m *MockCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Counts == nil {
		m.Counts = map[string]int{}
	}
	for _, d := range params.MetricData {
		m.Counts[*d.MetricName]++
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}
