package relation_test

import (
	"testing"

	"github.com/jacentio/lattice/relation"
)

func TestRef(t *testing.T) {
	rec := relation.NewRecord("order", "42", nil)
	ref := relation.RefOf(rec)

	if ref.String() != "order#42" {
		t.Errorf("expected 'order#42', got %q", ref.String())
	}

	parsed, ok := relation.ParseRef("order#42")
	if !ok || parsed != ref {
		t.Errorf("expected %v, got %v (ok=%v)", ref, parsed, ok)
	}
}

func TestParseRef_Invalid(t *testing.T) {
	for _, s := range []string{"", "order", "#42", "order#", "order42"} {
		if _, ok := relation.ParseRef(s); ok {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func TestRecord_Capabilities(t *testing.T) {
	item := relation.NewRecord("order_item", "a", map[string]any{"sku": "X1"})
	order := relation.NewRecord("order", "1", map[string]any{"total": 10}).Link("items", item)

	if got := order.Linked("items"); len(got) != 1 || got[0].EntityID() != "a" {
		t.Errorf("expected linked item a, got %v", got)
	}
	if order.Linked("payments") != nil {
		t.Error("expected nil for unpopulated relation")
	}

	attrs := relation.AttributesOf(order)
	attrs["total"] = 99
	if order.Attrs["total"] != 10 {
		t.Error("Attributes should return a copy")
	}

	if item.StringAttr("sku") != "X1" {
		t.Errorf("expected sku 'X1', got %q", item.StringAttr("sku"))
	}
	if item.StringAttr("missing") != "" {
		t.Error("expected empty string for missing attribute")
	}

	if !relation.IsActive(order) {
		t.Error("expected order to be active")
	}
	order.Archived = true
	if relation.IsActive(order) {
		t.Error("expected archived order to be inactive")
	}
}

func TestOpSet(t *testing.T) {
	s := relation.Ops(relation.OpRemove, relation.OpInsert)
	if !s.Has(relation.OpRemove) || s.Has(relation.OpUpdate) {
		t.Error("unexpected OpSet membership")
	}
	sorted := s.Sorted()
	if len(sorted) != 2 || sorted[0] != relation.OpInsert || sorted[1] != relation.OpRemove {
		t.Errorf("unexpected sorted ops %v", sorted)
	}
}

func TestMetadata_HolderIsSource(t *testing.T) {
	tests := []struct {
		name string
		meta relation.Metadata
		want bool
	}{
		{"owner many-to-one", relation.Metadata{Type: relation.ManyToOne, IsOwner: true}, true},
		{"non-owner one-to-many", relation.Metadata{Type: relation.OneToMany}, false},
		{"owner many-to-many", relation.Metadata{Type: relation.ManyToMany, IsOwner: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.meta.HolderIsSource(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
