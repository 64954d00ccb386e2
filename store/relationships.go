package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/relation"
)

// maxTransactItems is the DynamoDB limit of actions per transaction.
const maxTransactItems = 100

// Link is one record of the relationship table.
type Link struct {
	// Relation is the "entity.property" key of the relation.
	Relation string
	Source   relation.Ref
	Target   relation.Ref
}

// Partition returns the unsharded partition of the link's source side.
func (l Link) Partition() string {
	return Partition(l.Source, l.Relation)
}

// Partition returns the relationship partition for a source and relation key.
func Partition(source relation.Ref, relationKey string) string {
	property := relationKey[strings.LastIndex(relationKey, ".")+1:]
	return source.String() + "/" + property
}

func (s *Store) linkKey(l Link) Item {
	return Item{
		"pk":         &types.AttributeValueMemberS{Value: shard.RelationshipPK(l.Partition(), l.Target.String(), s.config.NumShards)},
		"target_ref": &types.AttributeValueMemberS{Value: l.Target.String()},
	}
}

func (s *Store) linkItem(l Link) Item {
	item := s.linkKey(l)
	item["source_ref"] = &types.AttributeValueMemberS{Value: l.Source.String()}
	item["relation"] = &types.AttributeValueMemberS{Value: l.Relation}
	return item
}

func (s *Store) putLink(l Link) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(s.config.RelationshipTable),
		Item:      s.linkItem(l),
	}}
}

func (s *Store) deleteLink(l Link) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		TableName: aws.String(s.config.RelationshipTable),
		Key:       s.linkKey(l),
	}}
}

// inverseLinks returns the relationship records implied by the foreign keys
// of an entity: one per relation whose declaring side does not hold the key
// and whose target is this entity's type.
func (s *Store) inverseLinks(entityType, id string, attrs map[string]any) []Link {
	if s.registry == nil {
		return nil
	}
	var links []Link
	for _, meta := range s.registry.AllRelations() {
		if meta.TargetEntity != entityType || meta.HolderIsSource() || meta.Type == relation.ManyToMany || meta.JoinColumn == "" {
			continue
		}
		fk, _ := attrs[meta.JoinColumn].(string)
		if fk == "" {
			continue
		}
		links = append(links, Link{
			Relation: meta.Key(),
			Source:   relation.Ref{Type: meta.Entity, ID: fk},
			Target:   relation.Ref{Type: entityType, ID: id},
		})
	}
	return links
}

// linkDiff returns the links in a that are missing from b.
func linkDiff(a, b []Link) []Link {
	var out []Link
	for _, l := range a {
		if !slices.Contains(b, l) {
			out = append(out, l)
		}
	}
	return out
}

// Link records many-to-many links from sourceID to each target.
func (s *Store) Link(ctx context.Context, meta relation.Metadata, sourceID string, targetIDs ...string) error {
	var items []types.TransactWriteItem
	for _, l := range s.links(meta, sourceID, targetIDs) {
		items = append(items, s.putLink(l))
	}
	return s.transact(ctx, items)
}

// Unlink removes many-to-many links from sourceID to each target.
func (s *Store) Unlink(ctx context.Context, meta relation.Metadata, sourceID string, targetIDs ...string) error {
	var items []types.TransactWriteItem
	for _, l := range s.links(meta, sourceID, targetIDs) {
		items = append(items, s.deleteLink(l))
	}
	return s.transact(ctx, items)
}

func (s *Store) links(meta relation.Metadata, sourceID string, targetIDs []string) []Link {
	var links []Link
	seen := make(map[string]bool)
	for _, id := range targetIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		links = append(links, Link{
			Relation: meta.Key(),
			Source:   relation.Ref{Type: meta.Entity, ID: sourceID},
			Target:   relation.Ref{Type: meta.TargetEntity, ID: id},
		})
	}
	return links
}

// transact writes items in transactions of at most maxTransactItems.
func (s *Store) transact(ctx context.Context, items []types.TransactWriteItem) error {
	for chunk := range slices.Chunk(items, maxTransactItems) {
		if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

// QueryLinks returns every link recorded under a source and relation.
func (s *Store) QueryLinks(ctx context.Context, source relation.Ref, relationKey string) ([]Link, error) {
	partition := Partition(source, relationKey)

	// Fast path for single shard (default)
	if s.config.NumShards == 1 {
		return s.queryShard(ctx, shard.Key(partition, 0))
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var all []Link
	var wg sync.WaitGroup
	keys := shard.Keys(partition, s.config.NumShards)
	errs := make(chan error, len(keys))

	for _, shardPK := range keys {
		wg.Add(1)
		go func(shardPK string) {
			defer wg.Done()

			links, err := s.queryShard(ctx, shardPK)
			if err != nil {
				errs <- fmt.Errorf("shard %s: %w", shardPK, err)
				return
			}

			mu.Lock()
			all = append(all, links...)
			mu.Unlock()
		}(shardPK)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	slices.SortFunc(all, func(a, b Link) int {
		return compareRefs(a.Target, b.Target)
	})
	return all, nil
}

func (s *Store) queryShard(ctx context.Context, shardPK string) ([]Link, error) {
	var links []Link

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shardPK},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if l, ok := unmarshalLink(item); ok {
				links = append(links, l)
			}
		}
	}

	return links, nil
}

// unmarshalLink converts a relationship record into a Link.
func unmarshalLink(item Item) (Link, bool) {
	source, ok := relation.ParseRef(stringAttr(item, "source_ref"))
	if !ok {
		return Link{}, false
	}
	target, ok := relation.ParseRef(stringAttr(item, "target_ref"))
	if !ok {
		return Link{}, false
	}
	return Link{Relation: stringAttr(item, "relation"), Source: source, Target: target}, true
}

func compareRefs(a, b relation.Ref) int {
	return cmp.Or(strings.Compare(a.Type, b.Type), strings.Compare(a.ID, b.ID))
}
