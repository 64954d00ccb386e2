package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/lattice/relation"
)

const (
	// maxBatchGet is the DynamoDB limit of keys per BatchGetItem call.
	maxBatchGet = 100

	// maxBatchAttempts bounds the retries of unprocessed keys.
	maxBatchAttempts = 5
)

var (
	_ relation.Store         = (*Store)(nil)
	_ relation.ArchiveReader = (*Store)(nil)
)

// Store implements the lattice read and write primitives on DynamoDB.
type Store struct {
	client   Client
	config   Config
	registry *relation.Registry
	now      func() time.Time
}

// New creates a new Store instance.
func New(client Client, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
		now:    time.Now,
	}
}

// NewWithRegistry creates a Store that maintains inverse relationship
// records and foreign key checks for the relations in registry.
func NewWithRegistry(client Client, config Config, registry *relation.Registry) *Store {
	s := New(client, config)
	s.registry = registry
	return s
}

// SetRegistry sets the relationship registry.
func (s *Store) SetRegistry(registry *relation.Registry) {
	s.registry = registry
}

// Registry returns the relationship registry, or nil if not set.
func (s *Store) Registry() *relation.Registry {
	return s.registry
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// TableName returns the table holding entities of entityType.
func (s *Store) TableName(entityType string) string {
	return s.config.TablePrefix + entityType
}

// Fetch returns one active entity, or ErrNotFound.
func (s *Store) Fetch(ctx context.Context, entityType, id string) (relation.Entity, error) {
	item, err := s.getItem(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if item == nil || IsRemoved(item) {
		return nil, ErrNotFound
	}
	return toRecord(entityType, item)
}

// FetchMany returns the active entities among ids, in id order.
func (s *Store) FetchMany(ctx context.Context, entityType string, ids []string) ([]relation.Entity, error) {
	ids = dedupe(ids)
	items, err := s.fetchItems(ctx, entityType, ids)
	if err != nil {
		return nil, err
	}
	out := make([]relation.Entity, 0, len(items))
	for _, id := range ids {
		item, ok := items[id]
		if !ok || IsRemoved(item) {
			continue
		}
		rec, err := toRecord(entityType, item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchRelated resolves one relation for many sources. Soft-removed targets
// are skipped.
func (s *Store) FetchRelated(ctx context.Context, meta relation.Metadata, sourceIDs []string) (map[string][]relation.Entity, error) {
	return s.related(ctx, meta, sourceIDs, false)
}

// FetchRelatedArchived resolves one relation for many sources, returning only
// soft-removed targets.
func (s *Store) FetchRelatedArchived(ctx context.Context, meta relation.Metadata, sourceIDs []string) (map[string][]relation.Entity, error) {
	return s.related(ctx, meta, sourceIDs, true)
}

func (s *Store) related(ctx context.Context, meta relation.Metadata, sourceIDs []string, removed bool) (map[string][]relation.Entity, error) {
	sources := dedupe(sourceIDs)
	targets, err := s.targetIDs(ctx, meta, sources)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", meta.Key(), err)
	}

	var ids []string
	for _, src := range sources {
		ids = append(ids, targets[src]...)
	}
	items, err := s.fetchItems(ctx, meta.TargetEntity, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]relation.Entity, len(sources))
	for _, src := range sources {
		for _, id := range targets[src] {
			item, ok := items[id]
			if !ok || IsRemoved(item) != removed {
				continue
			}
			rec, err := toRecord(meta.TargetEntity, item)
			if err != nil {
				return nil, err
			}
			out[src] = append(out[src], rec)
		}
	}
	return out, nil
}

// targetIDs maps each source to the ids of its targets. Relations held by
// the source read its join column; the others read the relationship table.
func (s *Store) targetIDs(ctx context.Context, meta relation.Metadata, sources []string) (map[string][]string, error) {
	out := make(map[string][]string, len(sources))

	if meta.HolderIsSource() {
		items, err := s.fetchItems(ctx, meta.Entity, sources)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			if fk := stringAttr(items[src], meta.JoinColumn); fk != "" {
				out[src] = []string{fk}
			}
		}
		return out, nil
	}

	for _, src := range sources {
		links, err := s.QueryLinks(ctx, relation.Ref{Type: meta.Entity, ID: src}, meta.Key())
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if l.Target.Type == meta.TargetEntity {
				out[src] = append(out[src], l.Target.ID)
			}
		}
	}
	return out, nil
}

func (s *Store) getItem(ctx context.Context, entityType, id string) (Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName(entityType)),
		Key:            Key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s#%s: %w", entityType, id, err)
	}
	if len(result.Item) == 0 {
		return nil, nil
	}
	return result.Item, nil
}

// fetchItems reads items by id, soft-removed ones included, in batches of
// maxBatchGet. Unprocessed keys are retried with backoff.
func (s *Store) fetchItems(ctx context.Context, entityType string, ids []string) (map[string]Item, error) {
	table := s.TableName(entityType)
	out := make(map[string]Item, len(ids))

	for chunk := range slices.Chunk(dedupe(ids), maxBatchGet) {
		keys := make([]map[string]types.AttributeValue, len(chunk))
		for i, id := range chunk {
			keys[i] = Key(id)
		}
		request := map[string]types.KeysAndAttributes{
			table: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}

		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > 0 {
				if attempt == maxBatchAttempts {
					return nil, fmt.Errorf("%w: %s", ErrUnprocessed, table)
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(1<<attempt) * 25 * time.Millisecond):
				}
			}

			result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: request,
			})
			if err != nil {
				return nil, fmt.Errorf("batch get %s: %w", table, err)
			}
			for _, item := range result.Responses[table] {
				if id := stringAttr(item, attrID); id != "" {
					out[id] = item
				}
			}
			request = result.UnprocessedKeys
		}
	}
	return out, nil
}

// Insert creates an entity. The id is taken from data["id"] or generated.
// Foreign keys must reference active entities, unique fields must be free,
// and inverse relationship records are written in the same transaction.
func (s *Store) Insert(ctx context.Context, entityType string, data map[string]any) (string, error) {
	attrs := EntityData(data)
	id, _ := attrs[attrID].(string)
	if id == "" {
		id = uuid.NewString()
		attrs[attrID] = id
	}

	item, err := newItem(entityType, id, attrs, s.now())
	if err != nil {
		return "", err
	}

	var items []types.TransactWriteItem

	// 1. Referenced entities must exist and be active
	refs := s.references(entityType, id, attrs)
	for _, ref := range refs {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                aws.String(s.TableName(ref.Type)),
				Key:                      Key(ref.ID),
				ConditionExpression:      aws.String(ActiveCondition()),
				ExpressionAttributeNames: ActiveConditionNames(),
			},
		})
	}

	// 2. Unique constraints
	uniques := s.uniqueValues(entityType, attrs)
	for _, u := range uniques {
		items = append(items, s.putUnique(entityType, id, u))
	}
	if len(uniques) > 0 {
		item[attrUniquePKs] = &types.AttributeValueMemberSS{Value: uniquePKs(uniques)}
	}

	// 3. The entity itself
	entityPutIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.TableName(entityType)),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	})

	// 4. Inverse relationship records
	for _, l := range s.inverseLinks(entityType, id, attrs) {
		items = append(items, s.putLink(l))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err := mapInsertError(err, refs, entityPutIndex); err != nil {
		return "", err
	}
	return id, nil
}

// references returns the entities an entity points at through foreign keys.
func (s *Store) references(entityType, id string, attrs map[string]any) []relation.Ref {
	if s.registry == nil {
		return nil
	}
	self := relation.Ref{Type: entityType, ID: id}
	var refs []relation.Ref
	add := func(ref relation.Ref) {
		if ref.ID == "" || ref == self || slices.Contains(refs, ref) {
			return
		}
		refs = append(refs, ref)
	}
	for _, meta := range s.registry.RelationsOf(entityType) {
		if meta.HolderIsSource() && meta.JoinColumn != "" {
			fk, _ := attrs[meta.JoinColumn].(string)
			add(relation.Ref{Type: meta.TargetEntity, ID: fk})
		}
	}
	for _, l := range s.inverseLinks(entityType, id, attrs) {
		add(l.Source)
	}
	return refs
}

// Update merges data into an active entity. Changes to unique fields or to
// foreign keys backing inverse relations run in a transaction guarded by
// the entity version.
func (s *Store) Update(ctx context.Context, entityType, id string, data map[string]any) error {
	changes := EntityData(data)
	delete(changes, attrID)

	if s.tracked(entityType, changes) {
		return s.updateTracked(ctx, entityType, id, changes)
	}
	return s.updateSimple(ctx, entityType, id, changes)
}

// tracked reports whether changes touch an attribute with derived records.
func (s *Store) tracked(entityType string, changes map[string]any) bool {
	for _, field := range s.config.UniqueFields[entityType] {
		if _, ok := changes[field]; ok {
			return true
		}
	}
	if s.registry == nil {
		return false
	}
	for _, meta := range s.registry.AllRelations() {
		if meta.TargetEntity != entityType || meta.HolderIsSource() || meta.Type == relation.ManyToMany {
			continue
		}
		if _, ok := changes[meta.JoinColumn]; ok {
			return true
		}
	}
	return false
}

func (s *Store) updateSimple(ctx context.Context, entityType, id string, changes map[string]any) error {
	clauses, names, values, err := setExpression(changes)
	if err != nil {
		return err
	}
	clauses = append(clauses, "#updated_at = :updated_at", "#version = #version + :one")

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName(entityType)),
		Key:                 Key(id),
		UpdateExpression:    aws.String("SET " + strings.Join(clauses, ", ")),
		ConditionExpression: aws.String(ActiveCondition()),
		ExpressionAttributeNames: mergeExprNames(names, ActiveConditionNames(), map[string]string{
			"#updated_at": attrUpdatedAt,
			"#version":    attrVersion,
		}),
		ExpressionAttributeValues: mergeExprValues(values, map[string]types.AttributeValue{
			":updated_at": &types.AttributeValueMemberS{Value: s.timestamp()},
			":one":        &types.AttributeValueMemberN{Value: "1"},
		}),
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	}
	return err
}

func (s *Store) updateTracked(ctx context.Context, entityType, id string, changes map[string]any) error {
	current, err := s.getItem(ctx, entityType, id)
	if err != nil {
		return err
	}
	if current == nil || IsRemoved(current) {
		return ErrNotFound
	}
	before, err := attributes(current)
	if err != nil {
		return fmt.Errorf("unmarshal %s#%s: %w", entityType, id, err)
	}
	after := maps.Clone(before)
	maps.Copy(after, changes)

	var items []types.TransactWriteItem

	oldUniques := s.uniqueValues(entityType, before)
	newUniques := s.uniqueValues(entityType, after)
	for _, u := range oldUniques {
		if !slices.Contains(newUniques, u) {
			items = append(items, s.deleteUnique(u.PK))
		}
	}
	for _, u := range newUniques {
		if !slices.Contains(oldUniques, u) {
			items = append(items, s.putUnique(entityType, id, u))
		}
	}

	oldLinks := s.inverseLinks(entityType, id, before)
	newLinks := s.inverseLinks(entityType, id, after)
	for _, l := range linkDiff(oldLinks, newLinks) {
		items = append(items, s.deleteLink(l))
	}
	for _, l := range linkDiff(newLinks, oldLinks) {
		items = append(items, s.putLink(l))
	}

	clauses, names, values, err := setExpression(changes)
	if err != nil {
		return err
	}
	clauses = append(clauses, "#updated_at = :updated_at", "#version = #version + :one")
	names = mergeExprNames(names, ActiveConditionNames(), map[string]string{
		"#updated_at": attrUpdatedAt,
		"#version":    attrVersion,
	})
	values = mergeExprValues(values, map[string]types.AttributeValue{
		":updated_at":       &types.AttributeValueMemberS{Value: s.timestamp()},
		":one":              &types.AttributeValueMemberN{Value: "1"},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(numberAttr(current, attrVersion), 10)},
	})
	expr := "SET " + strings.Join(clauses, ", ")
	switch {
	case len(newUniques) > 0:
		expr = "SET " + strings.Join(append(clauses, "#unique_pks = :unique_pks"), ", ")
		names["#unique_pks"] = attrUniquePKs
		values[":unique_pks"] = &types.AttributeValueMemberSS{Value: uniquePKs(newUniques)}
	case len(oldUniques) > 0:
		expr += " REMOVE #unique_pks"
		names["#unique_pks"] = attrUniquePKs
	}

	entityUpdateIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(s.TableName(entityType)),
			Key:                       Key(id),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String(ActiveCondition() + " AND #version = :expected_version"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		},
	})

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapUpdateError(err, entityUpdateIndex)
}

// Remove deletes an entity, soft-removed or not, along with its unique
// constraints and the relationship records it appears in as the target of
// an inverse relation or as a source.
func (s *Store) Remove(ctx context.Context, entityType, id string) error {
	current, err := s.getItem(ctx, entityType, id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotFound
	}

	derived, err := s.derivedDeletes(ctx, entityType, current)
	if err != nil {
		return err
	}
	items := append([]types.TransactWriteItem{{
		Delete: &types.Delete{
			TableName:           aws.String(s.TableName(entityType)),
			Key:                 Key(id),
			ConditionExpression: aws.String("attribute_exists(id)"),
		},
	}}, derived...)

	err = s.transact(ctx, items)
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) && len(txErr.CancellationReasons) > 0 && conditionFailed(txErr.CancellationReasons[0]) {
		return ErrNotFound
	}
	return err
}

// Purge deletes the records derived from an entity that is already gone,
// such as one expired by the TTL process. image is the entity's last item.
func (s *Store) Purge(ctx context.Context, entityType string, image Item) error {
	derived, err := s.derivedDeletes(ctx, entityType, image)
	if err != nil {
		return err
	}
	return s.transact(ctx, derived)
}

// derivedDeletes returns the deletes of an entity's unique constraints and
// relationship records.
func (s *Store) derivedDeletes(ctx context.Context, entityType string, item Item) ([]types.TransactWriteItem, error) {
	id := stringAttr(item, attrID)
	attrs, err := attributes(item)
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s#%s: %w", entityType, id, err)
	}

	var items []types.TransactWriteItem
	for _, pk := range stringSetAttr(item, attrUniquePKs) {
		items = append(items, s.deleteUnique(pk))
	}

	inverse := s.inverseLinks(entityType, id, attrs)
	outgoing, err := s.outgoingLinks(ctx, relation.Ref{Type: entityType, ID: id})
	if err != nil {
		return nil, err
	}
	for _, l := range append(inverse, linkDiff(outgoing, inverse)...) {
		items = append(items, s.deleteLink(l))
	}
	return items, nil
}

// outgoingLinks returns the relationship records stored under source.
func (s *Store) outgoingLinks(ctx context.Context, source relation.Ref) ([]Link, error) {
	if s.registry == nil {
		return nil, nil
	}
	var links []Link
	for _, meta := range s.registry.RelationsOf(source.Type) {
		if meta.HolderIsSource() {
			continue
		}
		found, err := s.QueryLinks(ctx, source, meta.Key())
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", meta.Key(), err)
		}
		links = append(links, found...)
	}
	return links, nil
}

// SoftRemove marks an entity as removed and schedules its purge after
// PurgeAfter. Removing twice is a no-op.
func (s *Store) SoftRemove(ctx context.Context, entityType, id string) error {
	now := s.now()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName(entityType)),
		Key:                 Key(id),
		UpdateExpression:    aws.String("SET #deleted_at = :now, #ttl = :ttl, #updated_at = :now, #version = #version + :one"),
		ConditionExpression: aws.String(ActiveCondition()),
		ExpressionAttributeNames: map[string]string{
			"#deleted_at": attrDeletedAt,
			"#ttl":        attrTTL,
			"#updated_at": attrUpdatedAt,
			"#version":    attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
			":ttl": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(now.Add(s.config.PurgeAfter).Unix(), 10),
			},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	// The old item comes back when the entity exists, i.e. is already removed
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		if len(condErr.Item) > 0 {
			return nil
		}
		return ErrNotFound
	}
	return err
}

// Recover clears the soft-removed mark and the pending purge.
func (s *Store) Recover(ctx context.Context, entityType, id string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName(entityType)),
		Key:                 Key(id),
		UpdateExpression:    aws.String("REMOVE #deleted_at, #ttl SET #updated_at = :now, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{
			"#deleted_at": attrDeletedAt,
			"#ttl":        attrTTL,
			"#updated_at": attrUpdatedAt,
			"#version":    attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: s.timestamp()},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	}
	return err
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// mapInsertError maps DynamoDB transaction errors for Insert.
func mapInsertError(err error, refs []relation.Ref, entityPutIndex int) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if !conditionFailed(reason) {
				continue
			}
			if i < len(refs) {
				return fmt.Errorf("%w: %s", ErrParentNotFound, refs[i])
			}
			if i == entityPutIndex {
				return ErrAlreadyExists
			}
			// Must be a unique constraint
			return ErrDuplicateValue
		}
	}

	return err
}

// mapUpdateError maps DynamoDB transaction errors for tracked updates.
func mapUpdateError(err error, entityUpdateIndex int) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if !conditionFailed(reason) {
				continue
			}
			if i == entityUpdateIndex {
				return ErrConcurrentModification
			}
			return ErrDuplicateValue
		}
	}

	return err
}

func conditionFailed(reason types.CancellationReason) bool {
	return reason.Code != nil && *reason.Code == "ConditionalCheckFailed"
}

// dedupe drops repeated and empty ids, keeping first-seen order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
