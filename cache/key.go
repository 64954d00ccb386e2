package cache

import (
	"slices"
	"strconv"
	"strings"
)

// KeyParts identifies one resolved subgraph.
type KeyParts struct {
	EntityType string
	ID         string

	// Path is the traversal context that reached this entity: the loader
	// passes the refs of its ancestors, which decide where cycles are cut.
	Path []string

	// Depth is the remaining traversal depth below this entity.
	Depth int

	// Fields is the selected field set; order does not matter.
	Fields []string

	// Variant distinguishes loads whose results differ for the same entity
	// (loading and cycle strategies).
	Variant string
}

// Key builds a deterministic key for parts under prefix. Every component is
// length-prefixed so distinct parts never produce the same key.
func Key(prefix string, p KeyParts) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('|')
	writePart(&b, p.EntityType)
	writePart(&b, p.ID)

	b.WriteString(strconv.Itoa(len(p.Path)))
	b.WriteByte('[')
	for _, seg := range p.Path {
		writePart(&b, seg)
	}
	b.WriteString("]|d")
	b.WriteString(strconv.Itoa(p.Depth))
	b.WriteByte('|')

	fields := slices.Clone(p.Fields)
	slices.Sort(fields)
	fields = slices.Compact(fields)
	b.WriteString(strconv.Itoa(len(fields)))
	b.WriteByte('[')
	for _, f := range fields {
		writePart(&b, f)
	}
	b.WriteString("]|")
	writePart(&b, p.Variant)
	return b.String()
}

// Key builds a key under the cache's configured prefix.
func (c *Cache) Key(p KeyParts) string {
	return Key(c.config.KeyPrefix, p)
}

// EntityPrefix returns the key prefix shared by every subgraph rooted at
// entityType#id. With an empty id it covers the whole type.
func EntityPrefix(prefix, entityType, id string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('|')
	writePart(&b, entityType)
	if id != "" {
		writePart(&b, id)
	}
	return b.String()
}

func writePart(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
	b.WriteByte('|')
}
