package dynamostore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeTable map[string]map[string]types.AttributeValue

// fakeDynamo is an in-memory stand-in for the DynamoDB API. It understands
// exactly the expressions the store sends.
type fakeDynamo struct {
	mu           sync.Mutex
	tables       map[string]fakeTable
	pageSize     int
	transactions int
}

func newFakeDynamo(tables ...string) *fakeDynamo {
	f := &fakeDynamo{tables: make(map[string]fakeTable)}
	for _, t := range tables {
		f.tables[t] = make(fakeTable)
	}
	return f
}

func (f *fakeDynamo) table(name string) fakeTable {
	t := f.tables[name]
	if t == nil {
		t = make(fakeTable)
		f.tables[name] = t
	}
	return t
}

// items returns a copy of every item in a table.
func (f *fakeDynamo) items(name string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := sortedKeys(f.tables[name])
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(f.tables[name][k]))
	}
	return out
}

func keyOf(key map[string]types.AttributeValue) string {
	if s, ok := key[keyAttr].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func sortedKeys(t fakeTable) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(f.table(*in.TableName)[keyOf(in.Key)])}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(*in.TableName)
	keys := sortedKeys(t)
	start := 0
	if after := keyOf(in.ExclusiveStartKey); after != "" {
		start = sort.SearchStrings(keys, after) + 1
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(t[k]))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = itemKey(keys[end-1])
	}
	return out, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(*in.TableName)
	key := keyOf(in.Key)
	item := t[key]
	if item == nil {
		item = itemKey(key)
	}
	var n int64
	if v, ok := item[seqAttr].(*types.AttributeValueMemberN); ok {
		n, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	n++
	item[seqAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	t[key] = item
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{seqAttr: item[seqAttr]}}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		var table, key string
		var cond *string
		switch {
		case item.Put != nil:
			table, key, cond = *item.Put.TableName, keyOf(item.Put.Item), item.Put.ConditionExpression
		case item.Delete != nil:
			table, key, cond = *item.Delete.TableName, keyOf(item.Delete.Key), item.Delete.ConditionExpression
		}
		_, exists := f.table(table)[key]
		ok := cond == nil ||
			(*cond == existsCondition && exists) ||
			(*cond == notExistsCondition && !exists)
		reasons[i].Code = aws.String("None")
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			f.table(*item.Put.TableName)[keyOf(item.Put.Item)] = copyItem(item.Put.Item)
		case item.Delete != nil:
			delete(f.table(*item.Delete.TableName), keyOf(item.Delete.Key))
		}
	}
	f.transactions++
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[*in.TableName]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}
