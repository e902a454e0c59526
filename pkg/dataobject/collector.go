// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package dataobject

import (
	"sync"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

// EventType identifies a collector event.
type EventType string

// Collector events.
const (
	EventObjectCreated EventType = "object_created"
	EventObjectUpdated EventType = "object_updated"
)

// EventCallback observes object creation and update. A callback error is
// logged and otherwise ignored; emission never aborts a verification.
type EventCallback func(event EventType, obj Object) error

// Collector accumulates the data objects produced during one verification.
// A collector must never be shared between verifications: every task owns
// a private instance.
type Collector struct {
	m        sync.Mutex
	objects  map[string]*Object
	order    []string
	pending  []Edge
	callback EventCallback
}

// NewCollector returns an empty collector. The callback may be nil.
func NewCollector(callback EventCallback) *Collector {
	return &Collector{
		objects:  make(map[string]*Object),
		callback: callback,
	}
}

// CreateOrUpdate inserts the object or replaces the existing one with the
// same id, then applies any pending edges that now have a target.
func (c *Collector) CreateOrUpdate(obj Object) {
	c.m.Lock()

	event := EventObjectCreated
	if _, ok := c.objects[obj.ID]; ok {
		event = EventObjectUpdated
	} else {
		c.order = append(c.order, obj.ID)
	}
	stored := obj.Clone()
	c.objects[obj.ID] = &stored

	c.applyPendingLocked()
	c.m.Unlock()

	c.emit(event, stored)
}

// AddRelationships records measured-by edges. Edges whose target already
// exists are applied immediately; the rest stay pending until the target
// object is created. Duplicate relations (full tuple equality) are dropped.
func (c *Collector) AddRelationships(edges ...Edge) {
	c.m.Lock()
	defer c.m.Unlock()

	c.pending = append(c.pending, edges...)
	c.applyPendingLocked()
}

func (c *Collector) applyPendingLocked() {
	remaining := c.pending[:0]
	for _, e := range c.pending {
		target, ok := c.objects[e.TargetID]
		if !ok {
			remaining = append(remaining, e)
			continue
		}
		if !hasRelation(target.MeasuredBy, e.Relation) {
			target.MeasuredBy = append(target.MeasuredBy, e.Relation)
		}
	}
	c.pending = remaining
}

func hasRelation(list []Relation, r Relation) bool {
	for _, existing := range list {
		if existing.equal(r) {
			return true
		}
	}
	return false
}

// Get returns a copy of the object with the given id.
func (c *Collector) Get(id string) (Object, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return Object{}, false
	}
	return obj.Clone(), true
}

// Objects returns a snapshot of all objects in insertion order.
func (c *Collector) Objects() []Object {
	c.m.Lock()
	defer c.m.Unlock()

	out := make([]Object, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.objects[id].Clone())
	}
	return out
}

// PendingEdges returns the number of edges still waiting for their target.
func (c *Collector) PendingEdges() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.pending)
}

// Clear resets the collector. Called at the start of each verification.
func (c *Collector) Clear() {
	c.m.Lock()
	defer c.m.Unlock()

	c.objects = make(map[string]*Object)
	c.order = nil
	c.pending = nil
}

func (c *Collector) emit(event EventType, obj Object) {
	if c.callback == nil {
		return
	}
	if err := c.callback(event, obj); err != nil {
		log.Warnf("data object callback failed for %s on %s: %v", event, obj.ID, err)
	}
}
