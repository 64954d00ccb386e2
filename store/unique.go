package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/relation"
)

const uniqueSortKey = "CONSTRAINT"

// uniqueValue is one claimed value of a unique field.
type uniqueValue struct {
	PK    string
	Field string
	Value string
}

// uniqueValues returns the unique field values present in attrs, in the
// configured field order. Unique values are scoped to the table prefix.
func (s *Store) uniqueValues(entityType string, attrs map[string]any) []uniqueValue {
	var out []uniqueValue
	for _, field := range s.config.UniqueFields[entityType] {
		v, ok := attrs[field]
		if !ok || v == nil {
			continue
		}
		value := fmt.Sprint(v)
		if value == "" {
			continue
		}
		out = append(out, uniqueValue{
			PK:    shard.UniqueConstraintPK(s.config.TablePrefix, entityType, field, value),
			Field: field,
			Value: value,
		})
	}
	return out
}

func uniquePKs(values []uniqueValue) []string {
	pks := make([]string, len(values))
	for i, u := range values {
		pks[i] = u.PK
	}
	return pks
}

func (s *Store) putUnique(entityType, id string, u uniqueValue) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.UniqueTable),
			Item: map[string]types.AttributeValue{
				"pk":          &types.AttributeValueMemberS{Value: u.PK},
				"sk":          &types.AttributeValueMemberS{Value: uniqueSortKey},
				"entity_type": &types.AttributeValueMemberS{Value: entityType},
				"field_name":  &types.AttributeValueMemberS{Value: u.Field},
				"field_value": &types.AttributeValueMemberS{Value: u.Value},
				"entity_ref":  &types.AttributeValueMemberS{Value: relation.Ref{Type: entityType, ID: id}.String()},
			},
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}
}

func (s *Store) deleteUnique(pk string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.UniqueTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: pk},
				"sk": &types.AttributeValueMemberS{Value: uniqueSortKey},
			},
		},
	}
}
