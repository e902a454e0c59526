// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package cron schedules the service's periodic jobs and lets operators
// drive them by name.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

// JobFunc is one periodic job body.
type JobFunc func(ctx context.Context) error

// jobTimeout bounds a single run, scheduled or triggered.
const jobTimeout = 10 * time.Minute

type entry struct {
	name    string
	pattern string
	fn      JobFunc

	scheduled bool
	id        cron.EntryID
	lastRun   *time.Time
	lastError string
}

// JobStatus is the observable state of one registered job.
type JobStatus struct {
	Name      string     `json:"name"`
	Pattern   string     `json:"pattern"`
	Scheduled bool       `json:"scheduled"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler owns the registered jobs. Jobs start unscheduled; StartAll or
// Start arms them.
type Scheduler struct {
	mu      sync.Mutex
	runner  *cron.Cron
	entries map[string]*entry
	now     func() time.Time
}

// New returns a scheduler with its runner already ticking; an empty runner
// costs nothing.
func New() *Scheduler {
	s := &Scheduler{
		runner:  cron.New(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	s.runner.Start()
	return s
}

// Register adds a named job without scheduling it.
func (s *Scheduler) Register(name, pattern string, fn JobFunc) error {
	if name == "" || pattern == "" || fn == nil {
		return fmt.Errorf("cron: name, pattern and job body are all required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("cron: job %q is already registered", name)
	}
	s.entries[name] = &entry{name: name, pattern: pattern, fn: fn}
	return nil
}

// Start schedules one job by name.
func (s *Scheduler) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	if e.scheduled {
		return nil
	}
	id, err := s.runner.AddFunc(e.pattern, func() { s.run(e.name) })
	if err != nil {
		return fmt.Errorf("cron: schedule %q: %w", name, err)
	}
	e.id = id
	e.scheduled = true
	log.Infof("cron job %s scheduled (%s)", name, e.pattern)
	return nil
}

// Stop unschedules one job by name. A running invocation finishes.
func (s *Scheduler) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	if !e.scheduled {
		return nil
	}
	s.runner.Remove(e.id)
	e.scheduled = false
	log.Infof("cron job %s unscheduled", name)
	return nil
}

// StartAll schedules every registered job.
func (s *Scheduler) StartAll() error {
	for _, name := range s.names() {
		if err := s.Start(name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll unschedules every registered job.
func (s *Scheduler) StopAll() error {
	for _, name := range s.names() {
		if err := s.Stop(name); err != nil {
			return err
		}
	}
	return nil
}

// Trigger runs one job immediately, in the caller's goroutine, and returns
// its error.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	err := e.fn(ctx)
	s.record(name, err)
	return err
}

// Status reports every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		status := JobStatus{
			Name:      e.name,
			Pattern:   e.pattern,
			Scheduled: e.scheduled,
			LastRun:   e.lastRun,
			LastError: e.lastError,
		}
		if e.scheduled {
			next := s.runner.Entry(e.id).Next
			if !next.IsZero() {
				status.NextRun = &next
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops the runner and waits for running jobs to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := s.runner.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the scheduled-invocation wrapper.
func (s *Scheduler) run(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	err := e.fn(ctx)
	s.record(name, err)
	if err != nil {
		log.Errorf("cron job %s failed: %v", name, err)
	}
}

func (s *Scheduler) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return
	}
	now := s.now()
	e.lastRun = &now
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
}

func (s *Scheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
