package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/loanflow/go-verification-flow/internal/aws"
)

const statusIndex = "status-index"

// ErrAlreadyClaimed indicates another sweep claimed the event first.
var ErrAlreadyClaimed = errors.New("event already claimed")

// ErrDuplicateEvent indicates an insert hit an existing event id.
var ErrDuplicateEvent = errors.New("event already stored")

// Store encapsulates the append-only webhook events table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates an events Store bound to a table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Insert persists a freshly received event. Events are never overwritten;
// a colliding id returns ErrDuplicateEvent.
func (s *Store) Insert(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.nowFunc()
	}
	item, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(id)"),
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
		}
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// Get fetches an event by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var ev Event
	if err := attributevalue.UnmarshalMap(out.Item, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// MarkProcessed records successful processing.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: awsString("SET processing_status = :ps, processed_at = :pa REMOVE next_retry_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps": &types.AttributeValueMemberS{Value: StatusProcessed},
			":pa": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure. The event stays for audit and manual
// replay; the sweep never selects a failed event again.
func (s *Store) MarkFailed(ctx context.Context, id, note string) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: awsString("SET processing_status = :ps, failure_note = :fn REMOVE next_retry_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps": &types.AttributeValueMemberS{Value: StatusFailed},
			":fn": &types.AttributeValueMemberS{Value: note},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkRetrying schedules the event for a later sweep.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, note string) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: awsString("SET processing_status = :ps, retry_count = :rc, next_retry_at = :nra, failure_note = :fn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":  &types.AttributeValueMemberS{Value: StatusRetrying},
			":rc":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", retryCount)},
			":nra": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", nextRetryAt.Unix())},
			":fn":  &types.AttributeValueMemberS{Value: note},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// Claim atomically transitions retrying -> processing so two overlapping
// sweeps never act on the same due event. Returns ErrAlreadyClaimed when the
// event is no longer in retrying.
func (s *Store) Claim(ctx context.Context, id string) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: awsString("SET processing_status = :ps"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":  &types.AttributeValueMemberS{Value: StatusProcessing},
			":exp": &types.AttributeValueMemberS{Value: StatusRetrying},
		},
		ConditionExpression: awsString("processing_status = :exp"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyClaimed
		}
		return fmt.Errorf("claim event: %w", err)
	}
	return nil
}

// ListDue returns events in retrying whose next_retry_at has passed, oldest
// first, via the status-index so the sweep never scans the table.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int32) ([]Event, error) {
	forward := true
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(statusIndex),
		KeyConditionExpression: awsString("processing_status = :ps AND next_retry_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":  &types.AttributeValueMemberS{Value: StatusRetrying},
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
		ScanIndexForward: &forward,
		Limit:            &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}

	events := make([]Event, 0, len(out.Items))
	for _, item := range out.Items {
		var ev Event
		if err := attributevalue.UnmarshalMap(item, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func awsString(s string) *string { return &s }
