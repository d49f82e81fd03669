package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/loanflow/go-verification-flow/internal/aws"
)

const subjectIndex = "subject-index"

// ErrSessionExists indicates a conditional create hit an existing session_id.
var ErrSessionExists = errors.New("session already exists")

// ErrStaleTransition indicates an attempted backward state transition.
// The caller logs and ignores it; the stored session is returned alongside.
var ErrStaleTransition = errors.New("stale state transition rejected")

// Store encapsulates operations on the sessions table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a sessions Store bound to a table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateWithSubjectPending atomically persists a new session and sets the
// subject's verification status to pending via TransactWriteItems, so a
// half-created session can never leave the subject stuck in a stale status.
func (s *Store) CreateWithSubjectPending(ctx context.Context, session VerificationSession, subjectsTable string) error {
	now := s.nowFunc()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.StateRank = session.State.Rank()

	sessMap, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	subjectItem := map[string]types.AttributeValue{
		"subject_id":          &types.AttributeValueMemberS{Value: session.SubjectID},
		"verification_status": &types.AttributeValueMemberS{Value: "pending"},
		"session_id":          &types.AttributeValueMemberS{Value: session.SessionID},
		"updated_at":          &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                sessMap,
					ConditionExpression: awsString("attribute_not_exists(session_id)"),
				},
			},
			{
				Put: &types.Put{
					TableName: &subjectsTable,
					Item:      subjectItem,
				},
			},
		},
	}

	if _, err := s.client.TransactWriteItems(ctx, input); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("%w: %s", ErrSessionExists, session.SessionID)
		}
		return fmt.Errorf("transact write session: %w", err)
	}
	return nil
}

// FindByID fetches a session by session_id. Returns (nil, nil) if not found.
func (s *Store) FindByID(ctx context.Context, sessionID string) (*VerificationSession, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var v VerificationSession
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &v, nil
}

// FindActiveBySubject returns the subject's most recent non-terminal,
// non-expired session, or (nil, nil) when every session is dead. It queries
// the subject-index newest first; a handful of rows is enough because at most
// one session per subject is ever active.
func (s *Store) FindActiveBySubject(ctx context.Context, subjectID string) (*VerificationSession, error) {
	limit := int32(5)
	forward := false
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(subjectIndex),
		KeyConditionExpression: awsString("subject_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: subjectID},
		},
		ScanIndexForward: &forward,
		Limit:            &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query subject sessions: %w", err)
	}

	now := s.nowFunc()
	for _, item := range out.Items {
		var v VerificationSession
		if err := attributevalue.UnmarshalMap(item, &v); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		if v.Active(now) {
			return &v, nil
		}
	}
	return nil, nil
}

// FindLatestBySubject returns the subject's most recent session regardless of
// state, for status reads. Returns (nil, nil) when the subject has none.
func (s *Store) FindLatestBySubject(ctx context.Context, subjectID string) (*VerificationSession, error) {
	limit := int32(1)
	forward := false
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(subjectIndex),
		KeyConditionExpression: awsString("subject_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: subjectID},
		},
		ScanIndexForward: &forward,
		Limit:            &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query subject sessions: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var v VerificationSession
	if err := attributevalue.UnmarshalMap(out.Items[0], &v); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &v, nil
}

// UpdateState advances the session state machine in a single conditional
// write. The condition state_rank < :new_rank makes the write a row-level
// compare-and-set: concurrent duplicate webhooks for the same session
// serialize here, and a backward write loses the condition instead of
// clobbering a later state.
//
// Re-applying the state the row already holds is an idempotent no-op: the
// conditional write fails, the current row is re-read, and (session, nil) is
// returned. A genuinely stale transition returns the current row together
// with ErrStaleTransition; callers log and ignore it.
//
// extracted is written with if_not_exists so the payload captured at the
// first terminal decision is never overwritten by a replay.
func (s *Store) UpdateState(ctx context.Context, sessionID string, newState State, extracted map[string]string) (*VerificationSession, error) {
	newRank := newState.Rank()
	if newRank == 0 {
		return nil, fmt.Errorf("unknown state %q", newState)
	}
	now := s.nowFunc()

	updateExpr := "SET #s = :new, state_rank = :nr, updated_at = :ua"
	exprValues := map[string]types.AttributeValue{
		":new": &types.AttributeValueMemberS{Value: string(newState)},
		":nr":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newRank)},
		":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if len(extracted) > 0 {
		updateExpr += ", extracted_data = if_not_exists(extracted_data, :ed)"
		edAttr, err := attributevalue.Marshal(extracted)
		if err != nil {
			return nil, fmt.Errorf("marshal extracted data: %w", err)
		}
		exprValues[":ed"] = edAttr
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  map[string]string{"#s": "state"},
		ExpressionAttributeValues: exprValues,
		ConditionExpression:       awsString("attribute_exists(session_id) AND state_rank < :nr"),
		ReturnValues:              types.ReturnValueAllNew,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, fmt.Errorf("update session state: %w", err)
		}
		current, getErr := s.FindByID(ctx, sessionID)
		if getErr != nil {
			return nil, fmt.Errorf("re-read after conditional failure: %w", getErr)
		}
		if current == nil {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		if current.State == newState {
			// duplicate delivery of an already-applied state
			return current, nil
		}
		return current, ErrStaleTransition
	}

	var v VerificationSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &v); err != nil {
		return nil, fmt.Errorf("unmarshal updated session: %w", err)
	}
	return &v, nil
}

func awsString(s string) *string { return &s }
