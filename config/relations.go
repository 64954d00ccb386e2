package config

import (
	"errors"
	"fmt"

	"github.com/jacentio/lattice/relation"
)

// RelationConfig declares one relation.
type RelationConfig struct {
	Entity            string   `yaml:"entity"`
	Property          string   `yaml:"property"`
	Type              string   `yaml:"type"`
	Target            string   `yaml:"target"`
	Owner             bool     `yaml:"owner,omitempty"`
	Cascade           []string `yaml:"cascade,omitempty"`
	Loading           string   `yaml:"loading,omitempty"`
	CircularDepth     int      `yaml:"circular_depth,omitempty"`
	JoinColumn        string   `yaml:"join_column,omitempty"`
	JoinTable         string   `yaml:"join_table,omitempty"`
	InverseJoinColumn string   `yaml:"inverse_join_column,omitempty"`
	FanOut            int      `yaml:"fan_out,omitempty"`
	Required          bool     `yaml:"required,omitempty"`
}

// Metadata converts the declaration.
func (r RelationConfig) Metadata() relation.Metadata {
	ops := make([]relation.Op, len(r.Cascade))
	for i, op := range r.Cascade {
		ops[i] = relation.Op(op)
	}
	return relation.Metadata{
		Entity:                 r.Entity,
		Property:               r.Property,
		Type:                   relation.Type(r.Type),
		TargetEntity:           r.Target,
		IsOwner:                r.Owner,
		Cascade:                relation.Ops(ops...),
		LoadingStrategy:        relation.Strategy(r.Loading),
		CircularReferenceDepth: r.CircularDepth,
		JoinColumn:             r.JoinColumn,
		JoinTable:              r.JoinTable,
		InverseJoinColumn:      r.InverseJoinColumn,
		EstimatedFanOut:        r.FanOut,
		Required:               r.Required,
	}
}

// Registry builds, validates and seals a registry from the declared types
// and relations. Every invalid declaration is reported.
func (c *Config) Registry() (*relation.Registry, error) {
	reg := relation.NewRegistry()
	if err := reg.RegisterType(c.Types...); err != nil {
		return nil, err
	}

	var errs []error
	for _, rc := range c.Relations {
		if err := reg.Register(rc.Metadata()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("register relations: %w", err)
	}
	if err := reg.Seal(); err != nil {
		return nil, err
	}
	return reg, nil
}
