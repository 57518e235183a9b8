// Package notify fans pipeline progress out to subscribed observers. The
// subscription registry is keyed both by user and by pipeline; all index
// mutation happens under one mutex so publishes never iterate a map that a
// concurrent subscribe is mutating.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docforge/docforge-agent/internal/pipeline"
)

// Observer receives pipeline snapshots. A transport layer implements it per
// connection; one connection may be subscribed to many pipelines.
type Observer interface {
	Send(snap pipeline.Snapshot) error
}

// Stats summarises the registry for status endpoints.
type Stats struct {
	Users     int `json:"users"`
	Pipelines int `json:"pipelines"`
	Observers int `json:"observers"`
}

type Notifier struct {
	store  pipeline.Store
	logger *slog.Logger

	mu         sync.Mutex
	byPipeline map[string]map[Observer]string // pipeline -> observer -> user
	byUser     map[string]map[string]struct{} // user -> pipeline ids
}

func NewNotifier(store pipeline.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:      store,
		logger:     logger,
		byPipeline: make(map[string]map[Observer]string),
		byUser:     make(map[string]map[string]struct{}),
	}
}

// Subscribe registers the observer for a pipeline and immediately pushes a
// fresh snapshot, so a reconnecting observer is never stale.
func (n *Notifier) Subscribe(ctx context.Context, userID, pipelineID string, obs Observer) error {
	snap, err := n.snapshot(ctx, pipelineID)
	if err != nil {
		return err
	}

	n.mu.Lock()
	observers, ok := n.byPipeline[pipelineID]
	if !ok {
		observers = make(map[Observer]string)
		n.byPipeline[pipelineID] = observers
	}
	observers[obs] = userID

	pipelines, ok := n.byUser[userID]
	if !ok {
		pipelines = make(map[string]struct{})
		n.byUser[userID] = pipelines
	}
	pipelines[pipelineID] = struct{}{}
	n.mu.Unlock()

	if err := obs.Send(snap); err != nil {
		n.logger.Debug("initial snapshot delivery failed", "pipeline_id", pipelineID, "user_id", userID, "error", err)
	}

	n.logger.Debug("observer subscribed", "pipeline_id", pipelineID, "user_id", userID)
	return nil
}

// Unsubscribe removes one observer's subscription to one pipeline.
func (n *Notifier) Unsubscribe(userID, pipelineID string, obs Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(userID, pipelineID, obs)
}

// UnsubscribeAll removes every subscription held by the observer, typically
// on disconnect.
func (n *Notifier) UnsubscribeAll(obs Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for pipelineID, observers := range n.byPipeline {
		if userID, ok := observers[obs]; ok {
			n.removeLocked(userID, pipelineID, obs)
		}
	}
}

func (n *Notifier) removeLocked(userID, pipelineID string, obs Observer) {
	if observers, ok := n.byPipeline[pipelineID]; ok {
		delete(observers, obs)
		if len(observers) == 0 {
			delete(n.byPipeline, pipelineID)
		}
	}

	if pipelines, ok := n.byUser[userID]; ok {
		// The user index only drops the pipeline once no observer of this
		// user remains subscribed to it.
		still := false
		for _, u := range n.byPipeline[pipelineID] {
			if u == userID {
				still = true
				break
			}
		}
		if !still {
			delete(pipelines, pipelineID)
			if len(pipelines) == 0 {
				delete(n.byUser, userID)
			}
		}
	}
}

// Publish loads the pipeline's committed state and delivers a snapshot to
// every observer currently subscribed to it. Delivery is best-effort and
// at-most-once: an observer whose Send fails is dropped and simply misses
// updates until it resubscribes.
func (n *Notifier) Publish(ctx context.Context, pipelineID string) {
	snap, err := n.snapshot(ctx, pipelineID)
	if err != nil {
		n.logger.Warn("publish skipped, snapshot unavailable", "pipeline_id", pipelineID, "error", err)
		return
	}

	n.mu.Lock()
	targets := make(map[Observer]string, len(n.byPipeline[pipelineID]))
	for obs, userID := range n.byPipeline[pipelineID] {
		targets[obs] = userID
	}
	n.mu.Unlock()

	for obs, userID := range targets {
		if err := obs.Send(snap); err != nil {
			n.logger.Debug("observer dropped after failed delivery", "pipeline_id", pipelineID, "user_id", userID, "error", err)
			n.Unsubscribe(userID, pipelineID, obs)
		}
	}
}

func (n *Notifier) snapshot(ctx context.Context, pipelineID string) (pipeline.Snapshot, error) {
	p, err := n.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	if p == nil {
		return pipeline.Snapshot{}, fmt.Errorf("pipeline %s: %w", pipelineID, pipeline.ErrNotFound)
	}
	stages, err := n.store.GetPipelineStages(ctx, pipelineID)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	return pipeline.BuildSnapshot(p, stages), nil
}

// SubscriberCount reports how many observers are registered for a pipeline.
func (n *Notifier) SubscriberCount(pipelineID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byPipeline[pipelineID])
}

func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	observers := 0
	for _, m := range n.byPipeline {
		observers += len(m)
	}
	return Stats{
		Users:     len(n.byUser),
		Pipelines: len(n.byPipeline),
		Observers: observers,
	}
}
