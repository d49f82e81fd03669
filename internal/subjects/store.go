package subjects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/sessions"
)

// Status is a subject's derived verification status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// ForState maps a terminal session state to the subject status it implies.
// Non-terminal states map to nothing; the subject stays where it is.
func ForState(s sessions.State) (Status, bool) {
	switch s {
	case sessions.StateApproved:
		return StatusVerified, true
	case sessions.StateDeclined:
		return StatusFailed, true
	default:
		return "", false
	}
}

// ErrStaleSession indicates a terminal write for a session the subject has
// already moved past. The write is dropped; a newer session owns the status.
var ErrStaleSession = errors.New("subject status owned by a newer session")

// Record is the item persisted in the subjects table.
type Record struct {
	SubjectID string    `dynamodbav:"subject_id"`
	Status    Status    `dynamodbav:"verification_status"`
	SessionID string    `dynamodbav:"session_id"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// Store encapsulates the subject verification-status table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a subjects Store bound to a table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Get fetches a subject's status record. Returns (nil, nil) if the subject
// has never started verification.
func (s *Store) Get(ctx context.Context, subjectID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"subject_id": &types.AttributeValueMemberS{Value: subjectID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var r Record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal subject: %w", err)
	}
	return &r, nil
}

// SetTerminal records a verified/failed outcome for the session that produced
// it. The conditional write only succeeds while that session still owns the
// subject's status row, so a late decision from a superseded session can never
// clobber a newer verification cycle. Re-applying the same outcome for the
// same session is an idempotent overwrite.
func (s *Store) SetTerminal(ctx context.Context, subjectID, sessionID string, status Status) error {
	if status != StatusVerified && status != StatusFailed {
		return fmt.Errorf("non-terminal subject status %q", status)
	}
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"subject_id": &types.AttributeValueMemberS{Value: subjectID},
		},
		UpdateExpression: awsString("SET verification_status = :vs, session_id = :sid, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":vs":  &types.AttributeValueMemberS{Value: string(status)},
			":sid": &types.AttributeValueMemberS{Value: sessionID},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_not_exists(session_id) OR session_id = :sid"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStaleSession
		}
		return fmt.Errorf("set subject status: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
