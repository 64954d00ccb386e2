package relation_test

import (
	"errors"
	"testing"

	"github.com/jacentio/lattice/relation"
)

func orderItems() relation.Metadata {
	return relation.Metadata{
		Entity:       "order",
		Property:     "items",
		Type:         relation.OneToMany,
		TargetEntity: "order_item",
		JoinColumn:   "order_id",
		Cascade:      relation.Ops(relation.OpRemove),
	}
}

func itemOrder() relation.Metadata {
	return relation.Metadata{
		Entity:       "order_item",
		Property:     "order",
		Type:         relation.ManyToOne,
		TargetEntity: "order",
		IsOwner:      true,
		JoinColumn:   "order_id",
	}
}

func TestNewRegistry(t *testing.T) {
	r := relation.NewRegistry()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if len(r.AllRelations()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestRegistry_Register(t *testing.T) {
	r := relation.NewRegistry()

	if err := r.Register(orderItems()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rels := r.AllRelations()
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].Entity != "order" {
		t.Errorf("expected Entity 'order', got %q", rels[0].Entity)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems(), itemOrder())

	m, ok := r.Lookup("order", "items")
	if !ok {
		t.Fatal("expected order.items to be found")
	}
	if m.TargetEntity != "order_item" {
		t.Errorf("expected target 'order_item', got %q", m.TargetEntity)
	}

	if _, ok := r.Lookup("order", "customer"); ok {
		t.Error("expected order.customer to be missing")
	}
	if _, ok := r.Lookup("invoice", "items"); ok {
		t.Error("expected invoice.items to be missing")
	}
}

func TestRegistry_RelationsOf_Order(t *testing.T) {
	r := relation.NewRegistry()
	for _, p := range []string{"items", "payments", "shipments"} {
		m := orderItems()
		m.Property = p
		r.MustRegister(m)
	}

	rels := r.RelationsOf("order")
	if len(rels) != 3 {
		t.Fatalf("expected 3 relations, got %d", len(rels))
	}
	for i, want := range []string{"items", "payments", "shipments"} {
		if rels[i].Property != want {
			t.Errorf("relation %d: expected %q, got %q", i, want, rels[i].Property)
		}
	}

	if len(r.RelationsOf("order_item")) != 0 {
		t.Error("expected no relations for order_item")
	}
}

func TestRegistry_RelationsOf_ReturnsCopy(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems())

	rels := r.RelationsOf("order")
	rels[0].Property = "mutated"

	if m, _ := r.Lookup("order", "items"); m.Property != "items" {
		t.Error("registry state was mutated through RelationsOf")
	}
}

func TestRegistry_DuplicateIdentical(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems())

	if err := r.Register(orderItems()); err != nil {
		t.Errorf("identical re-registration should be a no-op, got %v", err)
	}
	if len(r.RelationsOf("order")) != 1 {
		t.Error("expected duplicate to be ignored")
	}
}

func TestRegistry_DuplicateConflicting(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems())

	conflicting := orderItems()
	conflicting.Type = relation.OneToOne

	err := r.Register(conflicting)
	if err == nil {
		t.Fatal("expected conflicting registration to fail")
	}
	if !errors.Is(err, relation.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	var cfgErr *relation.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if cfgErr.Entity != "order" || cfgErr.Property != "items" {
		t.Errorf("unexpected error context: %+v", cfgErr)
	}
}

func TestRegistry_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*relation.Metadata)
	}{
		{"missing entity", func(m *relation.Metadata) { m.Entity = "" }},
		{"missing property", func(m *relation.Metadata) { m.Property = " " }},
		{"bad type", func(m *relation.Metadata) { m.Type = "one-to-few" }},
		{"missing target", func(m *relation.Metadata) { m.TargetEntity = "" }},
		{"bad cascade op", func(m *relation.Metadata) { m.Cascade = relation.Ops("explode") }},
		{"bad strategy", func(m *relation.Metadata) { m.LoadingStrategy = "greedy" }},
		{"negative depth", func(m *relation.Metadata) { m.CircularReferenceDepth = -1 }},
		{"dotted entity", func(m *relation.Metadata) { m.Entity = "shop.order" }},
		{"dotted property", func(m *relation.Metadata) { m.Property = "line.items" }},
		{"dotted target", func(m *relation.Metadata) { m.TargetEntity = "shop.order_item" }},
		{"join table without columns", func(m *relation.Metadata) {
			m.Type = relation.ManyToMany
			m.JoinTable = "order_tags"
			m.InverseJoinColumn = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := orderItems()
			tt.mutate(&m)
			err := relation.NewRegistry().Register(m)
			if !errors.Is(err, relation.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestRegistry_DottedNamesDoNotCollide(t *testing.T) {
	r := relation.NewRegistry()
	first := relation.Metadata{Entity: "a.b", Property: "c", Type: relation.OneToMany, TargetEntity: "x", JoinColumn: "a_id"}
	second := relation.Metadata{Entity: "a", Property: "b.c", Type: relation.OneToMany, TargetEntity: "y", JoinColumn: "a_id"}
	for _, m := range []relation.Metadata{first, second} {
		if err := r.Register(m); !errors.Is(err, relation.ErrConfiguration) {
			t.Errorf("%s.%s: expected ErrConfiguration, got %v", m.Entity, m.Property, err)
		}
	}
	if _, ok := r.Lookup("a", "b.c"); ok {
		t.Error("expected no relation registered")
	}
	if err := r.RegisterType("shop.tag"); !errors.Is(err, relation.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for dotted type, got %v", err)
	}
}

func TestRegistry_ValidateUnresolvedTarget(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems())

	err := r.Validate()
	if !errors.Is(err, relation.ErrConfiguration) {
		t.Fatalf("expected unresolved target to fail, got %v", err)
	}

	if err := r.RegisterType("order_item"); err != nil {
		t.Fatal(err)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("expected registry to validate, got %v", err)
	}
}

func TestRegistry_Seal(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems(), itemOrder())

	if err := r.Seal(); err != nil {
		t.Fatalf("unexpected seal error: %v", err)
	}
	if !r.Sealed() {
		t.Error("expected registry to be sealed")
	}

	m := orderItems()
	m.Property = "refunds"
	if err := r.Register(m); !errors.Is(err, relation.ErrRegistrySealed) {
		t.Errorf("expected ErrRegistrySealed, got %v", err)
	}
	if err := r.RegisterType("refund"); !errors.Is(err, relation.ErrRegistrySealed) {
		t.Errorf("expected ErrRegistrySealed, got %v", err)
	}
}

func TestRegistry_Types(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(orderItems(), itemOrder())
	_ = r.RegisterType("customer")

	types := r.Types()
	want := []string{"customer", "order", "order_item"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("expected %v, got %v", want, types)
		}
	}
}

func TestRegistry_BuildHierarchy(t *testing.T) {
	r := relation.NewRegistry()
	r.MustRegister(
		orderItems(),
		itemOrder(),
		relation.Metadata{
			Entity:       "customer",
			Property:     "orders",
			Type:         relation.OneToMany,
			TargetEntity: "order",
			JoinColumn:   "customer_id",
		},
		relation.Metadata{
			Entity:       "order",
			Property:     "tags",
			Type:         relation.ManyToMany,
			TargetEntity: "tag",
		},
	)

	h := r.BuildHierarchy()
	if got := h["order"]; len(got) != 1 || got[0] != "order_item" {
		t.Errorf("expected order -> [order_item], got %v", got)
	}
	if got := h["customer"]; len(got) != 1 || got[0] != "order" {
		t.Errorf("expected customer -> [order], got %v", got)
	}
	if _, ok := h["tag"]; ok {
		t.Error("many-to-many relations should not appear in the hierarchy")
	}

	scoped := r.BuildHierarchy("order", "order_item")
	if _, ok := scoped["customer"]; ok {
		t.Error("expected customer to be excluded from scoped hierarchy")
	}
	if len(scoped["order"]) != 1 {
		t.Errorf("expected order -> [order_item] in scoped hierarchy, got %v", scoped)
	}
}
