// Package sqlstore implements the lattice read and write primitives on MySQL
// through gorm. Each entity type maps to one table keyed by "id"; rows with
// a non-NULL removed column are soft-removed.
package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jacentio/lattice/relation"
)

var (
	// ErrAlreadyExists is returned when inserting a row with an existing id.
	ErrAlreadyExists = errors.New("lattice: entity already exists")

	// ErrParentNotFound is returned when a foreign key constraint rejects a write.
	ErrParentNotFound = errors.New("lattice: referenced entity not found")
)

// MySQL server error numbers.
const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
)

var (
	_ relation.Store         = (*Store)(nil)
	_ relation.ArchiveReader = (*Store)(nil)
)

// Store implements relation.Store on a gorm database.
type Store struct {
	db       *gorm.DB
	config   Config
	registry *relation.Registry
	now      func() time.Time
}

// Open connects to MySQL and configures the connection pool.
func Open(config Config, registry *relation.Registry) (*Store, error) {
	config.validate()
	db, err := gorm.Open(gormmysql.Open(config.DSN()), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(config.logLevel()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	return New(db, config, registry), nil
}

// New wraps an open gorm database. registry may be nil; it is used to clean
// up many-to-many link rows on Remove.
func New(db *gorm.DB, config Config, registry *relation.Registry) *Store {
	config.validate()
	return &Store{
		db:       db,
		config:   config,
		registry: registry,
		now:      time.Now,
	}
}

// DB returns the gorm database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn with a Store bound to one database transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound := *s
		bound.db = tx
		return fn(&bound)
	})
}

// TableName returns the table holding entities of entityType.
func (s *Store) TableName(entityType string) string {
	return s.config.TablePrefix + entityType
}

func (s *Store) active() string {
	return s.config.RemovedColumn + " IS NULL"
}

func (s *Store) removed() string {
	return s.config.RemovedColumn + " IS NOT NULL"
}

// Fetch returns one active entity, or relation.ErrNotFound.
func (s *Store) Fetch(ctx context.Context, entityType, id string) (relation.Entity, error) {
	var rows []map[string]any
	err := s.db.WithContext(ctx).Table(s.TableName(entityType)).
		Where("id = ? AND "+s.active(), id).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch %s#%s: %w", entityType, id, err)
	}
	if len(rows) == 0 {
		return nil, relation.ErrNotFound
	}
	return s.toRecord(entityType, rows[0]), nil
}

// FetchMany returns the active entities among ids, in id order.
func (s *Store) FetchMany(ctx context.Context, entityType string, ids []string) ([]relation.Entity, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	byID, err := s.rowsByID(ctx, entityType, ids, false)
	if err != nil {
		return nil, err
	}
	out := make([]relation.Entity, 0, len(byID))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, s.toRecord(entityType, row))
		}
	}
	return out, nil
}

// rowsByID reads rows by id, active or soft-removed ones only.
func (s *Store) rowsByID(ctx context.Context, entityType string, ids []string, removed bool) (map[string]map[string]any, error) {
	cond := s.active()
	if removed {
		cond = s.removed()
	}
	var rows []map[string]any
	err := s.db.WithContext(ctx).Table(s.TableName(entityType)).
		Where("id IN ? AND "+cond, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityType, err)
	}
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		out[idString(row["id"])] = row
	}
	return out, nil
}

// FetchRelated resolves one relation for many sources in a single query per
// table. Soft-removed targets are skipped.
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
	out := make(map[string][]relation.Entity, len(sources))
	if len(sources) == 0 {
		return out, nil
	}

	var err error
	switch {
	case meta.Type == relation.ManyToMany:
		err = s.relatedThroughJoinTable(ctx, meta, sources, removed, out)
	case meta.HolderIsSource():
		err = s.relatedByHolder(ctx, meta, sources, removed, out)
	default:
		err = s.relatedByForeignKey(ctx, meta, sources, removed, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// relatedByHolder resolves relations whose sources hold the key: it reads
// the keys, then the targets.
func (s *Store) relatedByHolder(ctx context.Context, meta relation.Metadata, sources []string, removed bool, out map[string][]relation.Entity) error {
	var keys []map[string]any
	err := s.db.WithContext(ctx).Table(s.TableName(meta.Entity)).
		Select("id", meta.JoinColumn).
		Where("id IN ?", sources).
		Find(&keys).Error
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Key(), err)
	}
	fks := make(map[string]string, len(keys))
	var targetIDs []string
	for _, row := range keys {
		if fk := idString(row[meta.JoinColumn]); fk != "" {
			fks[idString(row["id"])] = fk
			targetIDs = append(targetIDs, fk)
		}
	}
	if len(targetIDs) == 0 {
		return nil
	}
	targets, err := s.rowsByID(ctx, meta.TargetEntity, dedupe(targetIDs), removed)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if row, ok := targets[fks[src]]; ok {
			out[src] = append(out[src], s.toRecord(meta.TargetEntity, row))
		}
	}
	return nil
}

// relatedByForeignKey resolves inverse relations: the targets hold the key.
func (s *Store) relatedByForeignKey(ctx context.Context, meta relation.Metadata, sources []string, removed bool, out map[string][]relation.Entity) error {
	cond := s.active()
	if removed {
		cond = s.removed()
	}
	var rows []map[string]any
	err := s.db.WithContext(ctx).Table(s.TableName(meta.TargetEntity)).
		Where(clause.IN{Column: clause.Column{Name: meta.JoinColumn}, Values: anySlice(sources)}).
		Where(cond).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Key(), err)
	}
	for _, row := range rows {
		src := idString(row[meta.JoinColumn])
		out[src] = append(out[src], s.toRecord(meta.TargetEntity, row))
	}
	return nil
}

// relatedThroughJoinTable resolves many-to-many relations.
func (s *Store) relatedThroughJoinTable(ctx context.Context, meta relation.Metadata, sources []string, removed bool, out map[string][]relation.Entity) error {
	jt := joinTable(meta)
	var links []map[string]any
	err := s.db.WithContext(ctx).Table(jt.Name).
		Select(jt.Source, jt.Target).
		Where(clause.IN{Column: clause.Column{Name: jt.Source}, Values: anySlice(sources)}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: jt.Target}}).
		Find(&links).Error
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Key(), err)
	}
	if len(links) == 0 {
		return nil
	}

	var targetIDs []string
	for _, l := range links {
		targetIDs = append(targetIDs, idString(l[jt.Target]))
	}
	targets, err := s.rowsByID(ctx, meta.TargetEntity, dedupe(targetIDs), removed)
	if err != nil {
		return err
	}
	for _, l := range links {
		src := idString(l[jt.Source])
		if row, ok := targets[idString(l[jt.Target])]; ok {
			out[src] = append(out[src], s.toRecord(meta.TargetEntity, row))
		}
	}
	return nil
}

// Insert creates a row. The id is taken from data["id"] or generated.
func (s *Store) Insert(ctx context.Context, entityType string, data map[string]any) (string, error) {
	row := maps.Clone(data)
	if row == nil {
		row = map[string]any{}
	}
	id := idString(row["id"])
	if id == "" {
		id = uuid.NewString()
	}
	row["id"] = id
	delete(row, s.config.RemovedColumn)

	err := s.db.WithContext(ctx).Table(s.TableName(entityType)).Create(row).Error
	if err != nil {
		return "", mapWriteError(err, entityType, id)
	}
	return id, nil
}

// Update merges data into an active row.
func (s *Store) Update(ctx context.Context, entityType, id string, data map[string]any) error {
	changes := maps.Clone(data)
	delete(changes, "id")
	delete(changes, s.config.RemovedColumn)
	if len(changes) == 0 {
		_, err := s.Fetch(ctx, entityType, id)
		return err
	}

	result := s.db.WithContext(ctx).Table(s.TableName(entityType)).
		Where("id = ? AND "+s.active(), id).
		Updates(changes)
	if result.Error != nil {
		return mapWriteError(result.Error, entityType, id)
	}
	if result.RowsAffected == 0 {
		return relation.ErrNotFound
	}
	return nil
}

// Remove deletes a row, soft-removed or not, and its many-to-many link rows.
func (s *Store) Remove(ctx context.Context, entityType, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, meta := range s.joinRelations(entityType) {
			jt := joinTable(meta)
			column := jt.Source
			if meta.Entity != entityType {
				column = jt.Target
			}
			if err := tx.Exec("DELETE FROM ? WHERE ? = ?",
				clause.Table{Name: jt.Name}, clause.Column{Name: column}, id).Error; err != nil {
				return fmt.Errorf("unlink %s: %w", meta.Key(), err)
			}
		}

		result := tx.Exec("DELETE FROM ? WHERE id = ?", clause.Table{Name: s.TableName(entityType)}, id)
		if result.Error != nil {
			return mapWriteError(result.Error, entityType, id)
		}
		if result.RowsAffected == 0 {
			return relation.ErrNotFound
		}
		return nil
	})
}

// joinRelations returns the many-to-many relations entityType takes part in.
func (s *Store) joinRelations(entityType string) []relation.Metadata {
	if s.registry == nil {
		return nil
	}
	var out []relation.Metadata
	for _, meta := range s.registry.AllRelations() {
		if meta.Type == relation.ManyToMany && (meta.Entity == entityType || meta.TargetEntity == entityType) {
			out = append(out, meta)
		}
	}
	return out
}

// SoftRemove stamps the removed column. Removing twice keeps the first stamp.
func (s *Store) SoftRemove(ctx context.Context, entityType, id string) error {
	col := s.config.RemovedColumn
	result := s.db.WithContext(ctx).Table(s.TableName(entityType)).
		Where("id = ?", id).
		Updates(map[string]any{col: gorm.Expr("COALESCE(?, ?)", clause.Column{Name: col}, s.now().UTC())})
	if result.Error != nil {
		return mapWriteError(result.Error, entityType, id)
	}
	if result.RowsAffected == 0 {
		return relation.ErrNotFound
	}
	return nil
}

// Recover clears the removed column.
func (s *Store) Recover(ctx context.Context, entityType, id string) error {
	result := s.db.WithContext(ctx).Table(s.TableName(entityType)).
		Where("id = ?", id).
		Updates(map[string]any{s.config.RemovedColumn: nil})
	if result.Error != nil {
		return mapWriteError(result.Error, entityType, id)
	}
	if result.RowsAffected == 0 {
		return relation.ErrNotFound
	}
	return nil
}

// Link inserts many-to-many link rows, skipping existing ones.
func (s *Store) Link(ctx context.Context, meta relation.Metadata, sourceID string, targetIDs ...string) error {
	targetIDs = dedupe(targetIDs)
	if len(targetIDs) == 0 {
		return nil
	}
	jt := joinTable(meta)
	rows := make([]map[string]any, len(targetIDs))
	for i, id := range targetIDs {
		rows[i] = map[string]any{jt.Source: sourceID, jt.Target: id}
	}
	err := s.db.WithContext(ctx).Table(jt.Name).
		Clauses(clause.Insert{Modifier: "IGNORE"}).
		Create(&rows).Error
	if err != nil {
		return mapWriteError(err, meta.Entity, sourceID)
	}
	return nil
}

// Unlink deletes many-to-many link rows.
func (s *Store) Unlink(ctx context.Context, meta relation.Metadata, sourceID string, targetIDs ...string) error {
	targetIDs = dedupe(targetIDs)
	if len(targetIDs) == 0 {
		return nil
	}
	jt := joinTable(meta)
	return s.db.WithContext(ctx).Exec("DELETE FROM ? WHERE ? = ? AND ? IN ?",
		clause.Table{Name: jt.Name},
		clause.Column{Name: jt.Source}, sourceID,
		clause.Column{Name: jt.Target}, targetIDs,
	).Error
}

func (s *Store) toRecord(entityType string, row map[string]any) *relation.Record {
	attrs := make(map[string]any, len(row))
	for k, v := range row {
		attrs[k] = normalize(v)
	}
	removed := attrs[s.config.RemovedColumn] != nil
	delete(attrs, s.config.RemovedColumn)

	rec := relation.NewRecord(entityType, idString(attrs["id"]), attrs)
	rec.Archived, _ = attrs["archived"].(bool)
	rec.Archived = rec.Archived || removed
	return rec
}

// joinTableSpec names a link table and its two key columns.
type joinTableSpec struct {
	Name   string
	Source string
	Target string
}

// joinTable returns the link table of a many-to-many relation, defaulting to
// "entity_property" with "entity_id" and "target_id" columns.
func joinTable(meta relation.Metadata) joinTableSpec {
	jt := joinTableSpec{
		Name:   meta.JoinTable,
		Source: meta.JoinColumn,
		Target: meta.InverseJoinColumn,
	}
	if jt.Name == "" {
		jt.Name = meta.Entity + "_" + meta.Property
	}
	if jt.Source == "" {
		jt.Source = meta.Entity + "_id"
	}
	if jt.Target == "" {
		jt.Target = meta.TargetEntity + "_id"
	}
	return jt
}

// mapWriteError maps MySQL constraint errors to lattice errors.
func mapWriteError(err error, entityType, id string) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDuplicateEntry:
			return fmt.Errorf("%w: %s#%s", ErrAlreadyExists, entityType, id)
		case errNoReferencedRow:
			return fmt.Errorf("%w: %s#%s: %s", ErrParentNotFound, entityType, id, myErr.Message)
		}
	}
	return fmt.Errorf("write %s#%s: %w", entityType, id, err)
}

// normalize converts scanned driver values into plain Go values.
func normalize(v any) any {
	if valuer, ok := v.(driver.Valuer); ok {
		value, err := valuer.Value()
		if err != nil {
			return nil
		}
		v = value
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// idString renders a key column value as an id.
func idString(v any) string {
	switch v := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
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
