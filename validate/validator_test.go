package validate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/lattice/memstore"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/validate"
)

var (
	itemOrder = relation.Metadata{
		Entity: "order_item", Property: "order", Type: relation.ManyToOne,
		TargetEntity: "order", IsOwner: true, JoinColumn: "order_id",
	}
	orderItems = relation.Metadata{
		Entity: "order", Property: "items", Type: relation.OneToMany,
		TargetEntity: "order_item", JoinColumn: "order_id",
	}
	employeeManager = relation.Metadata{
		Entity: "employee", Property: "manager", Type: relation.ManyToOne,
		TargetEntity: "employee", IsOwner: true, JoinColumn: "manager_id",
	}
)

func registry(metas ...relation.Metadata) *relation.Registry {
	r := relation.NewRegistry()
	r.MustRegister(metas...)
	return r
}

func seed() *memstore.Store {
	s := memstore.New()
	s.Put(relation.NewRecord("order", "1", map[string]any{"status": "open"}))
	s.Put(relation.NewRecord("order", "2", map[string]any{"archived": true}))
	s.Put(relation.NewRecord("order_item", "a", map[string]any{"order_id": "1"}))
	s.Put(relation.NewRecord("order_item", "b", map[string]any{"order_id": "2"}))
	s.Put(relation.NewRecord("order_item", "c", nil))
	return s
}

func fetch(t *testing.T, s relation.Reader, entityType, id string) relation.Entity {
	t.Helper()
	e, err := s.Fetch(context.Background(), entityType, id)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestValidate_Rules(t *testing.T) {
	s := seed()
	v := validate.New(registry(itemOrder), s, validate.DefaultConfig(), validate.WithRules(
		validate.RequiredRelation("order_item", "order"),
		validate.ActiveRelated("order_item", "order", validate.SeverityWarning),
	))

	tests := []struct {
		id    string
		rules []string
	}{
		{"a", nil},
		{"b", []string{"active-related"}},
		{"c", []string{"required-relation"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			results, err := v.Validate(context.Background(), fetch(t, s, "order_item", tt.id))
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != len(tt.rules) {
				t.Fatalf("expected %v, got %v", tt.rules, results)
			}
			for i, r := range results {
				if r.Rule != tt.rules[i] {
					t.Errorf("result %d: expected %s, got %s", i, tt.rules[i], r.Rule)
				}
			}
		})
	}
}

func TestValidate_RequiredMetadata(t *testing.T) {
	s := seed()
	required := itemOrder
	required.Required = true
	v := validate.New(registry(required), s, validate.DefaultConfig())

	results, err := v.Validate(context.Background(), fetch(t, s, "order_item", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Relation != "order" || results[0].Severity != validate.SeverityError {
		t.Errorf("expected required relation failure, got %v", results)
	}
}

func TestValidate_SelfAndRelated(t *testing.T) {
	s := seed()
	var seen []string
	rule := validate.Rule{
		Name:       "audit",
		EntityType: "order",
		Check: func(_, related relation.Entity) bool {
			if related == nil {
				seen = append(seen, "self")
			} else {
				seen = append(seen, related.EntityID())
			}
			return true
		},
	}
	s.Put(relation.NewRecord("order_item", "d", map[string]any{"order_id": "1"}))
	v := validate.New(registry(orderItems), s, validate.DefaultConfig(), validate.WithRules(rule))

	results, err := v.Validate(context.Background(), fetch(t, s, "order", "1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no failures, got %v", results)
	}
	if len(seen) != 3 || seen[0] != "self" || seen[1] != "a" || seen[2] != "d" {
		t.Errorf("expected self then each item, got %v", seen)
	}
}

func TestValidate_PrefersLinked(t *testing.T) {
	v := validate.New(registry(itemOrder), nil, validate.DefaultConfig(),
		validate.WithRules(validate.ActiveRelated("order_item", "order", validate.SeverityError)))

	archived := relation.NewRecord("order", "9", nil)
	archived.Archived = true
	item := relation.NewRecord("order_item", "z", nil).Link("order", archived)

	results, err := v.Validate(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Related == nil || results[0].Related.ID != "9" {
		t.Errorf("expected failure for linked order 9, got %v", results)
	}
}

func TestValidate_FetchError(t *testing.T) {
	v := validate.New(registry(itemOrder), failingReader{}, validate.DefaultConfig(),
		validate.WithRules(validate.RequiredRelation("order_item", "order")))

	_, err := v.Validate(context.Background(), relation.NewRecord("order_item", "a", nil))
	if !errors.Is(err, errUnavailable) {
		t.Errorf("expected wrapped fetch error, got %v", err)
	}
}

var errUnavailable = errors.New("unavailable")

type failingReader struct{ relation.Reader }

func (failingReader) FetchRelated(context.Context, relation.Metadata, []string) (map[string][]relation.Entity, error) {
	return nil, errUnavailable
}

func managers() *memstore.Store {
	s := memstore.New()
	s.Put(relation.NewRecord("employee", "ann", map[string]any{"manager_id": "bob"}))
	s.Put(relation.NewRecord("employee", "bob", map[string]any{"manager_id": "cat"}))
	s.Put(relation.NewRecord("employee", "cat", map[string]any{"manager_id": "ann"}))
	s.Put(relation.NewRecord("employee", "dan", map[string]any{"manager_id": "ann"}))
	s.Put(relation.NewRecord("employee", "eve", nil))
	return s
}

func TestFindCycle(t *testing.T) {
	s := managers()
	cfg := validate.DefaultConfig()
	cfg.MaxDepth = 5
	v := validate.New(registry(employeeManager), s, cfg)

	path, err := v.FindCycle(context.Background(), fetch(t, s, "employee", "dan"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"employee#ann", "employee#bob", "employee#cat", "employee#ann"}
	if len(path) != len(want) {
		t.Fatalf("expected %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, path[i], want[i])
		}
	}
}

func TestValidateCircularReferences(t *testing.T) {
	s := managers()
	ctx := context.Background()

	v := validate.New(registry(employeeManager), s, validate.DefaultConfig())
	if v.ValidateCircularReferences(ctx, fetch(t, s, "employee", "ann"), nil, 0) {
		t.Error("expected ann to be unsafe")
	}
	if !v.ValidateCircularReferences(ctx, fetch(t, s, "employee", "eve"), nil, 0) {
		t.Error("expected eve to be safe")
	}

	visited := map[string]int{"employee#eve": 0}
	v.ValidateCircularReferences(ctx, fetch(t, s, "employee", "ann"), visited, 1)
	if len(visited) != 1 {
		t.Errorf("expected caller's visited map restored, got %v", visited)
	}

	cfg := validate.DefaultConfig()
	cfg.MaxDepth = 2
	shallow := validate.New(registry(employeeManager), s, cfg)
	if !shallow.ValidateCircularReferences(ctx, fetch(t, s, "employee", "ann"), nil, 0) {
		t.Error("expected a three-hop cycle to be out of range")
	}
}

func TestValidateCircularReferences_IgnoresInverse(t *testing.T) {
	s := seed()
	v := validate.New(registry(orderItems, itemOrder), s, validate.DefaultConfig())
	if !v.ValidateCircularReferences(context.Background(), fetch(t, s, "order", "1"), nil, 0) {
		t.Error("expected an inverse relation pair not to count as a cycle")
	}
}

func TestCheck(t *testing.T) {
	s := managers()
	ctx := context.Background()
	ann := fetch(t, s, "employee", "ann")

	v := validate.New(registry(employeeManager), s, validate.DefaultConfig())
	results, err := v.Check(ctx, ann, relation.OpUpdate)
	var vf *validate.ValidationFailure
	if !errors.As(err, &vf) || !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
	if vf.Op != relation.OpUpdate || len(vf.Results) != 1 || vf.Results[0].Rule != validate.CycleRule {
		t.Errorf("unexpected failure %+v", vf)
	}
	if len(results) != 1 || len(results[0].Path) != 4 {
		t.Errorf("expected cycle path in results, got %v", results)
	}
}

func TestCheck_Toggles(t *testing.T) {
	s := managers()
	ann := fetch(t, s, "employee", "ann")

	tests := []struct {
		name    string
		config  func(*validate.Config)
		op      relation.Op
		wantErr bool
	}{
		{"insert enforced", func(*validate.Config) {}, relation.OpInsert, true},
		{"insert off", func(c *validate.Config) { c.EnforceOnInsert = false }, relation.OpInsert, false},
		{"update off", func(c *validate.Config) { c.EnforceOnUpdate = false }, relation.OpUpdate, false},
		{"delete off covers soft remove", func(c *validate.Config) { c.EnforceOnDelete = false }, relation.OpSoftRemove, false},
		{"delete on", func(*validate.Config) {}, relation.OpRemove, true},
		{"recover off", func(c *validate.Config) { c.EnforceOnRecover = false }, relation.OpRecover, false},
		{"cycles off", func(c *validate.Config) { c.ValidateCircularReferences = false }, relation.OpInsert, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validate.DefaultConfig()
			tt.config(&cfg)
			v := validate.New(registry(employeeManager), s, cfg)
			_, err := v.Check(context.Background(), ann, tt.op)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheck_WarningsDoNotBlock(t *testing.T) {
	s := seed()
	cfg := validate.DefaultConfig()
	cfg.ValidateCircularReferences = false
	v := validate.New(registry(itemOrder), s, cfg,
		validate.WithRules(validate.ActiveRelated("order_item", "order", validate.SeverityWarning)))

	results, err := v.Check(context.Background(), fetch(t, s, "order_item", "b"), relation.OpUpdate)
	if err != nil {
		t.Fatalf("expected warnings only, got %v", err)
	}
	if len(results) != 1 || results[0].Severity != validate.SeverityWarning {
		t.Errorf("expected one warning, got %v", results)
	}
}
