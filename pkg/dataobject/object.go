// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package dataobject holds the verification report graph: data objects,
// their calculations, and the measured-by relationships between them.
package dataobject

// Calculation describes a pure function applied to named input fields of an
// object, producing named outputs that other objects can be measured by.
type Calculation struct {
	Inputs  []string `json:"inputs"`
	Func    string   `json:"func"`
	Outputs []string `json:"outputs"`
}

// Relation is one measured-by entry: the value of a field or calculation
// output on the source object is cryptographically bound to a field or
// calculation output on the object carrying the relation.
type Relation struct {
	ObjectID         string `json:"objectId"`
	SourceField      string `json:"field,omitempty"`
	SourceCalcOutput string `json:"calcOutput,omitempty"`
	SelfField        string `json:"selfField,omitempty"`
	SelfCalcOutput   string `json:"selfCalcOutput,omitempty"`
}

// Object is a node in the verification graph.
type Object struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Fields       map[string]interface{} `json:"fields"`
	Calculations []Calculation          `json:"calculations,omitempty"`
	MeasuredBy   []Relation             `json:"measuredBy,omitempty"`
}

// Edge declares that target's MeasuredBy list should gain rel. Edges whose
// target does not exist yet stay pending until the target appears.
type Edge struct {
	TargetID string
	Relation Relation
}

// Clone returns a deep copy of the object. Fields values are copied at the
// map level; nested values are shared, callers that mutate nested values
// must copy them first.
func (o Object) Clone() Object {
	c := o
	if o.Fields != nil {
		c.Fields = make(map[string]interface{}, len(o.Fields))
		for k, v := range o.Fields {
			c.Fields[k] = v
		}
	}
	if o.Calculations != nil {
		c.Calculations = append([]Calculation(nil), o.Calculations...)
	}
	if o.MeasuredBy != nil {
		c.MeasuredBy = append([]Relation(nil), o.MeasuredBy...)
	}
	return c
}

func (r Relation) equal(other Relation) bool {
	return r.ObjectID == other.ObjectID &&
		r.SourceField == other.SourceField &&
		r.SourceCalcOutput == other.SourceCalcOutput &&
		r.SelfField == other.SelfField &&
		r.SelfCalcOutput == other.SelfCalcOutput
}
