package store

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/relation"
)

// Item is a raw DynamoDB item.
type Item = map[string]types.AttributeValue

const (
	attrID        = "id"
	attrEntityRef = "entity_ref"
	attrVersion   = "version"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
	attrDeletedAt = "deleted_at"
	attrTTL       = "ttl"
	attrUniquePKs = "_unique_pks"
)

// managedAttributes are written by the Store and never taken from entity data.
var managedAttributes = []string{
	attrEntityRef, attrVersion, attrCreatedAt, attrUpdatedAt,
	attrDeletedAt, attrTTL, attrUniquePKs,
}

// Key returns the primary key of an entity item.
func Key(id string) Item {
	return Item{attrID: &types.AttributeValueMemberS{Value: id}}
}

// IsRemoved reports whether an item is soft-removed.
func IsRemoved(item Item) bool {
	_, ok := item[attrDeletedAt]
	return ok
}

// ActiveCondition is the condition expression matching an existing entity
// that is not soft-removed. Use with ActiveConditionNames.
func ActiveCondition() string {
	return "attribute_exists(id) AND attribute_not_exists(#deleted_at)"
}

// ActiveConditionNames returns expression attribute names for ActiveCondition.
func ActiveConditionNames() map[string]string {
	return map[string]string{"#deleted_at": attrDeletedAt}
}

// EntityData strips managed attributes from entity data. The id is kept.
func EntityData(data map[string]any) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	for _, name := range managedAttributes {
		delete(out, name)
	}
	return out
}

// newItem marshals entity data into a fresh item at version 1.
func newItem(entityType, id string, data map[string]any, now time.Time) (Item, error) {
	item, err := attributevalue.MarshalMap(EntityData(data))
	if err != nil {
		return nil, fmt.Errorf("marshal %s#%s: %w", entityType, id, err)
	}
	ts := now.UTC().Format(time.RFC3339)
	item[attrID] = &types.AttributeValueMemberS{Value: id}
	item[attrEntityRef] = &types.AttributeValueMemberS{Value: relation.Ref{Type: entityType, ID: id}.String()}
	item[attrVersion] = &types.AttributeValueMemberN{Value: "1"}
	item[attrCreatedAt] = &types.AttributeValueMemberS{Value: ts}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: ts}
	return item, nil
}

// attributes unmarshals an item into entity data.
func attributes(item Item) (map[string]any, error) {
	var attrs map[string]any
	if err := attributevalue.UnmarshalMap(item, &attrs); err != nil {
		return nil, err
	}
	return EntityData(attrs), nil
}

// toRecord converts an item into a relation.Record. Soft-removed items are
// reported as archived.
func toRecord(entityType string, item Item) (*relation.Record, error) {
	id := stringAttr(item, attrID)
	attrs, err := attributes(item)
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s#%s: %w", entityType, id, err)
	}
	rec := relation.NewRecord(entityType, id, attrs)
	rec.Archived, _ = attrs["archived"].(bool)
	rec.Archived = rec.Archived || IsRemoved(item)
	return rec, nil
}

func stringAttr(item Item, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item Item, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// stringSetAttr reads a string set. Lists of strings are accepted too.
func stringSetAttr(item Item, name string) []string {
	switch v := item[name].(type) {
	case *types.AttributeValueMemberSS:
		return v.Value
	case *types.AttributeValueMemberL:
		var out []string
		for _, elem := range v.Value {
			if s, ok := elem.(*types.AttributeValueMemberS); ok {
				out = append(out, s.Value)
			}
		}
		return out
	}
	return nil
}

// setExpression builds "SET #a0 = :v0, ..." for the given data, in key order.
// Managed attributes and the id are skipped.
func setExpression(data map[string]any) (clauses []string, names map[string]string, values map[string]types.AttributeValue, err error) {
	names = make(map[string]string)
	values = make(map[string]types.AttributeValue)
	for i, k := range slices.Sorted(maps.Keys(EntityData(data))) {
		if k == attrID {
			continue
		}
		av, err := attributevalue.Marshal(data[k])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		names[nameKey] = k
		values[valueKey] = av
		clauses = append(clauses, nameKey+" = "+valueKey)
	}
	return clauses, names, values, nil
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(ms ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range ms {
		maps.Copy(result, m)
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(ms ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range ms {
		maps.Copy(result, m)
	}
	return result
}
