package store

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory DynamoDB that understands the expressions the
// Store writes.
type fakeClient struct {
	mu     sync.Mutex
	tables map[string]map[string]Item

	// unprocessed makes that many BatchGetItem calls return every key unprocessed.
	unprocessed int

	batchCalls   int
	queryCalls   int
	transactions [][]types.TransactWriteItem
}

func newFakeClient() *fakeClient {
	return &fakeClient{tables: make(map[string]map[string]Item)}
}

func keyOf(table string, item Item) string {
	s := func(name string) string { return stringAttr(item, name) }
	switch {
	case strings.HasSuffix(table, "relationships"):
		return s("pk") + "|" + s("target_ref")
	case strings.HasSuffix(table, "unique_constraints"):
		return s("pk") + "|" + s("sk")
	}
	return s("id")
}

func (f *fakeClient) get(table string, key Item) Item {
	return f.tables[table][keyOf(table, key)]
}

func (f *fakeClient) put(table string, item Item) {
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]Item)
	}
	f.tables[table][keyOf(table, item)] = maps.Clone(item)
}

func (f *fakeClient) remove(table string, key Item) {
	delete(f.tables[table], keyOf(table, key))
}

func (f *fakeClient) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: maps.Clone(f.get(*in.TableName, in.Key))}, nil
}

func (f *fakeClient) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.unprocessed > 0 {
		f.unprocessed--
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}
	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	for table, req := range in.RequestItems {
		for _, key := range req.Keys {
			if item := f.get(table, key); item != nil {
				out.Responses[table] = append(out.Responses[table], maps.Clone(item))
			}
		}
	}
	return out, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.tables[*in.TableName] {
		if stringAttr(item, "pk") == pk {
			items = append(items, maps.Clone(item))
		}
	}
	slices.SortFunc(items, func(a, b map[string]types.AttributeValue) int {
		return strings.Compare(stringAttr(a, "target_ref"), stringAttr(b, "target_ref"))
	})
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	item := f.get(table, in.Key)
	if !f.holds(item, aws.ToString(in.ConditionExpression), in.ExpressionAttributeValues) {
		condErr := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			condErr.Item = maps.Clone(item)
		}
		return nil, condErr
	}
	f.apply(table, item, *in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, in.TransactItems)

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		ok := true
		switch {
		case it.ConditionCheck != nil:
			c := it.ConditionCheck
			ok = f.holds(f.get(*c.TableName, c.Key), *c.ConditionExpression, c.ExpressionAttributeValues)
		case it.Put != nil:
			p := it.Put
			ok = f.holds(f.get(*p.TableName, p.Item), aws.ToString(p.ConditionExpression), p.ExpressionAttributeValues)
		case it.Delete != nil:
			d := it.Delete
			ok = f.holds(f.get(*d.TableName, d.Key), aws.ToString(d.ConditionExpression), d.ExpressionAttributeValues)
		case it.Update != nil:
			u := it.Update
			ok = f.holds(f.get(*u.TableName, u.Key), aws.ToString(u.ConditionExpression), u.ExpressionAttributeValues)
		}
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

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			f.put(*it.Put.TableName, it.Put.Item)
		case it.Delete != nil:
			f.remove(*it.Delete.TableName, it.Delete.Key)
		case it.Update != nil:
			u := it.Update
			f.apply(*u.TableName, f.get(*u.TableName, u.Key), *u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// holds evaluates the condition expressions used by the Store.
func (f *fakeClient) holds(item Item, cond string, values map[string]types.AttributeValue) bool {
	exists := item != nil
	switch {
	case cond == "":
		return true
	case strings.HasPrefix(cond, "attribute_not_exists("):
		return !exists
	case cond == "attribute_exists(id)":
		return exists
	case strings.HasPrefix(cond, ActiveCondition()):
		if !exists || IsRemoved(item) {
			return false
		}
		if v, ok := values[":expected_version"].(*types.AttributeValueMemberN); ok {
			return strconv.FormatInt(numberAttr(item, attrVersion), 10) == v.Value
		}
		return true
	}
	panic("fakeClient: unsupported condition " + cond)
}

// apply performs an update expression on a stored item.
func (f *fakeClient) apply(table string, item Item, expr string, names map[string]string, values map[string]types.AttributeValue) {
	item = maps.Clone(item)
	for k, name := range names {
		if strings.HasPrefix(k, "#attr") {
			item[name] = values[":val"+strings.TrimPrefix(k, "#attr")]
		}
	}
	if _, ok := names["#deleted_at"]; ok {
		if strings.HasPrefix(expr, "REMOVE") {
			delete(item, attrDeletedAt)
			delete(item, attrTTL)
		} else {
			item[attrDeletedAt] = values[":now"]
			item[attrTTL] = values[":ttl"]
		}
	}
	if _, ok := names["#unique_pks"]; ok {
		if v, ok := values[":unique_pks"]; ok {
			item[attrUniquePKs] = v
		} else {
			delete(item, attrUniquePKs)
		}
	}
	version := numberAttr(item, attrVersion) + 1
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	f.put(table, item)
}
