// Package testutil provides in-memory fakes of the AWS service interfaces
// shared by the engine's unit tests.
package testutil

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MockDynamo is a minimal in-memory DynamoDB supporting the conditional
// writes and index queries the stores issue. It is intentionally not
// production-grade: it understands exactly the expressions this codebase
// uses.
type MockDynamo struct {
	mu       sync.Mutex
	keyAttrs map[string]string // table -> partition key attribute
	tables   map[string]map[string]map[string]types.AttributeValue
}

// NewMockDynamo returns an empty mock. Register each table with AddTable
// before use so the mock knows its partition key attribute.
func NewMockDynamo() *MockDynamo {
	return &MockDynamo{
		keyAttrs: map[string]string{},
		tables:   map[string]map[string]map[string]types.AttributeValue{},
	}
}

// AddTable registers a table and its partition key attribute.
func (m *MockDynamo) AddTable(name, keyAttr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyAttrs[name] = keyAttr
	m.tables[name] = map[string]map[string]types.AttributeValue{}
}

// Seed inserts an item directly, bypassing conditions.
func (m *MockDynamo) Seed(table string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table][StrVal(item[m.keyAttrs[table]])] = item
}

// Item returns a stored item or nil.
func (m *MockDynamo) Item(table, key string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[table][key]
}

// Len returns the number of items in a table.
func (m *MockDynamo) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *MockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := *params.TableName
	ka, ok := m.keyAttrs[table]
	if !ok {
		return nil, errors.New("unknown table: " + table)
	}
	pk := StrVal(params.Item[ka])
	if pk == "" {
		return nil, errors.New("missing partition key in put item")
	}
	if params.ConditionExpression != nil && strings.HasPrefix(*params.ConditionExpression, "attribute_not_exists(") {
		if _, exists := m.tables[table][pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.tables[table][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *MockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := *params.TableName
	ka, ok := m.keyAttrs[table]
	if !ok {
		return nil, errors.New("unknown table: " + table)
	}
	item, exists := m.tables[table][StrVal(params.Key[ka])]
	if !exists {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *MockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := *params.TableName
	ka, ok := m.keyAttrs[table]
	if !ok {
		return nil, errors.New("unknown table: " + table)
	}
	pk := StrVal(params.Key[ka])
	item, exists := m.tables[table][pk]

	if params.ConditionExpression != nil {
		if !evalCondition(*params.ConditionExpression, item, exists, params.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	} else if !exists {
		// UpdateItem upserts when unconditional
		item = map[string]types.AttributeValue{ka: params.Key[ka]}
		m.tables[table][pk] = item
		exists = true
	}
	if !exists {
		// condition passed against a missing row (e.g. attribute_not_exists)
		item = map[string]types.AttributeValue{ka: params.Key[ka]}
		m.tables[table][pk] = item
	}

	applyUpdate(item, *params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *MockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := *params.TableName
	rows, ok := m.tables[table]
	if !ok {
		return nil, errors.New("unknown table: " + table)
	}
	if params.IndexName == nil {
		return nil, errors.New("mock only supports index queries")
	}

	var matched []map[string]types.AttributeValue
	var sortAttr string
	switch *params.IndexName {
	case "subject-index":
		sortAttr = "created_at"
		want := StrVal(params.ExpressionAttributeValues[":sid"])
		for _, item := range rows {
			if StrVal(item["subject_id"]) == want {
				matched = append(matched, copyItem(item))
			}
		}
	case "status-index":
		sortAttr = "next_retry_at"
		want := StrVal(params.ExpressionAttributeValues[":ps"])
		cutoff := numVal(params.ExpressionAttributeValues[":now"])
		for _, item := range rows {
			if StrVal(item["processing_status"]) == want && numVal(item["next_retry_at"]) <= cutoff {
				matched = append(matched, copyItem(item))
			}
		}
	default:
		return nil, errors.New("unknown index: " + *params.IndexName)
	}

	forward := params.ScanIndexForward == nil || *params.ScanIndexForward
	sortItems(matched, sortAttr, forward)

	if params.Limit != nil && len(matched) > int(*params.Limit) {
		matched = matched[:*params.Limit]
	}
	return &dyn.QueryOutput{Items: matched}, nil
}

func (m *MockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// check phase
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			return nil, errors.New("mock only supports Put transact items")
		}
		table := *p.TableName
		ka, ok := m.keyAttrs[table]
		if !ok {
			return nil, errors.New("unknown table: " + table)
		}
		if p.ConditionExpression != nil && strings.HasPrefix(*p.ConditionExpression, "attribute_not_exists(") {
			if _, exists := m.tables[table][StrVal(p.Item[ka])]; exists {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	// write phase
	for _, it := range params.TransactItems {
		table := *it.Put.TableName
		ka := m.keyAttrs[table]
		m.tables[table][StrVal(it.Put.Item[ka])] = copyItem(it.Put.Item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// evalCondition understands the condition expressions the stores use.
func evalCondition(expr string, item map[string]types.AttributeValue, exists bool, values map[string]types.AttributeValue) bool {
	switch {
	case strings.Contains(expr, "state_rank < :nr"):
		return exists && numVal(item["state_rank"]) < numVal(values[":nr"])
	case strings.Contains(expr, "attribute_not_exists(session_id)") && strings.Contains(expr, "OR session_id = :sid"):
		if !exists {
			return true
		}
		if _, has := item["session_id"]; !has {
			return true
		}
		return StrVal(item["session_id"]) == StrVal(values[":sid"])
	case strings.Contains(expr, "processing_status = :exp"):
		return exists && StrVal(item["processing_status"]) == StrVal(values[":exp"])
	case strings.HasPrefix(expr, "attribute_not_exists("):
		return !exists
	}
	return exists
}

// applyUpdate interprets "SET a = :v, b = if_not_exists(b, :w) REMOVE c".
func applyUpdate(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) {
	setPart := expr
	var removePart string
	if i := strings.Index(expr, "REMOVE"); i >= 0 {
		setPart = expr[:i]
		removePart = expr[i+len("REMOVE"):]
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(setPart), "SET"))

	for _, assign := range splitTopLevel(setPart) {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := resolveName(strings.TrimSpace(parts[0]), names)
		val := strings.TrimSpace(parts[1])
		if strings.HasPrefix(val, "if_not_exists(") {
			inner := strings.TrimSuffix(strings.TrimPrefix(val, "if_not_exists("), ")")
			args := strings.SplitN(inner, ",", 2)
			if _, has := item[name]; has || len(args) != 2 {
				continue
			}
			item[name] = values[strings.TrimSpace(args[1])]
			continue
		}
		item[name] = values[val]
	}

	for _, attr := range strings.Split(removePart, ",") {
		attr = strings.TrimSpace(attr)
		if attr != "" {
			delete(item, resolveName(attr, names))
		}
	}
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func resolveName(name string, names map[string]string) string {
	if resolved, ok := names[name]; ok {
		return resolved
	}
	return name
}

func sortItems(items []map[string]types.AttributeValue, attr string, forward bool) {
	less := func(a, b map[string]types.AttributeValue) bool {
		if na, okA := a[attr].(*types.AttributeValueMemberN); okA {
			nb := b[attr].(*types.AttributeValueMemberN)
			ia, _ := strconv.ParseInt(na.Value, 10, 64)
			ib, _ := strconv.ParseInt(nb.Value, 10, 64)
			return ia < ib
		}
		return StrVal(a[attr]) < StrVal(b[attr])
	}
	// insertion sort; test data is tiny
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			swap := less(b, a)
			if !forward {
				swap = less(a, b)
			}
			if !swap {
				break
			}
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

// StrVal unwraps a string attribute, returning "" for any other type.
func StrVal(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numVal(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
