package statestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoDB that understands the expressions
// DynamoStore issues.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
	puts   int
}

type fakeTable struct {
	hashKey  string
	rangeKey string
	items    map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]*fakeTable)}
}

func attrString(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (t *fakeTable) keyOf(item map[string]types.AttributeValue) string {
	k := attrString(item[t.hashKey])
	if t.rangeKey != "" {
		k += "\x00" + attrString(item[t.rangeKey])
	}
	return k
}

func (f *fakeDynamo) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + aws.ToString(name))}
	}
	return t, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[t.keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := t.keyOf(in.Item)
	if in.ConditionExpression != nil && !f.conditionHolds(t.items[key], in) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	f.puts++
	t.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// conditionHolds evaluates the published guard:
// attribute_not_exists(#ps) OR #ps <> :published [OR #cs <> :cs]
func (f *fakeDynamo) conditionHolds(existing map[string]types.AttributeValue, in *dynamodb.PutItemInput) bool {
	if existing == nil {
		return true
	}
	ps := in.ExpressionAttributeNames["#ps"]
	if attrString(existing[ps]) != attrString(in.ExpressionAttributeValues[":published"]) {
		return true
	}
	if cs, ok := in.ExpressionAttributeValues[":cs"]; ok {
		return attrString(existing[in.ExpressionAttributeNames["#cs"]]) != attrString(cs)
	}
	return false
}

func (f *fakeDynamo) sorted(t *fakeTable) []map[string]types.AttributeValue {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.items[k])
	}
	return out
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	hash := attrString(in.ExpressionAttributeValues[":r"])
	begins, hasBegins := in.ExpressionAttributeValues[":pv"]

	var items []map[string]types.AttributeValue
	for _, item := range f.sorted(t) {
		if attrString(item[t.hashKey]) != hash {
			continue
		}
		if hasBegins && !strings.HasPrefix(attrString(item[t.rangeKey]), attrString(begins)) {
			continue
		}
		items = append(items, item)
	}
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	items := f.sorted(t)
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String(fmt.Sprintf("table %s exists", name))}
	}
	t := &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
	for _, ks := range in.KeySchema {
		switch ks.KeyType {
		case types.KeyTypeHash:
			t.hashKey = aws.ToString(ks.AttributeName)
		case types.KeyTypeRange:
			t.rangeKey = aws.ToString(ks.AttributeName)
		}
	}
	f.tables[name] = t
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DeleteTable(_ context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	delete(f.tables, aws.ToString(in.TableName))
	return &dynamodb.DeleteTableOutput{}, nil
}
