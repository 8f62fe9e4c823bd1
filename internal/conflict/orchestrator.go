package conflict

import (
	"context"
	"log/slog"

	"cloudsync/internal/catalog"
	"cloudsync/internal/config"
	"cloudsync/internal/events"
	"cloudsync/internal/logging"
)

// Pass phase names, reported as conflict_resolution.<phase>.
const (
	PhaseDuplicates = "duplicates"
	PhaseRenames    = "renames"
	PhaseDeletions  = "deletions"
)

// Snapshot is what a sync job learned about the provider.
type Snapshot struct {
	// SeenIDs holds every remote id the job discovered.
	SeenIDs []string
	// Complete marks a full listing; only then are tracks absent from
	// SeenIDs treated as deleted.
	Complete bool
	// Removed lists remote ids the provider reported as deleted.
	Removed []string
	// Renames are rebinds detected during discovery.
	Renames []Rename
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	HardDelete bool
	Bus        events.Bus
	Logger     *slog.Logger
}

// Orchestrator runs one resolution pass per sync job.
type Orchestrator struct {
	resolver   *Resolver
	hardDelete bool
	bus        events.Bus
	logger     *slog.Logger
}

// NewOrchestrator wires an orchestrator around resolver.
func NewOrchestrator(resolver *Resolver, opts OrchestratorOptions) *Orchestrator {
	bus := opts.Bus
	if bus == nil {
		bus = events.Discard
	}
	return &Orchestrator{
		resolver:   resolver,
		hardDelete: opts.HardDelete,
		bus:        bus,
		logger:     logging.NewComponentLogger(opts.Logger, "conflict_orchestrator"),
	}
}

// ResolveConflicts runs the duplicates, renames and deletions phases in order.
// Each phase tolerates failures of individual tracks; the returned error is
// only the context's, when the pass was cut short.
func (o *Orchestrator) ResolveConflicts(ctx context.Context, jobID, providerID string, snap Snapshot) (Stats, error) {
	ctx = logging.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, o.logger)
	var stats Stats

	o.phase(ctx, jobID, PhaseDuplicates)
	o.resolveDuplicates(ctx, logger, providerID, &stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	o.phase(ctx, jobID, PhaseRenames)
	o.resolveRenames(ctx, logger, providerID, snap.Renames, &stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	o.phase(ctx, jobID, PhaseDeletions)
	o.resolveDeletions(ctx, logger, providerID, snap, &stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	logger.Info("conflict resolution finished",
		logging.Int("duplicates_detected", stats.DuplicatesDetected),
		logging.Int("duplicates_resolved", stats.DuplicatesResolved),
		logging.Int("renames_resolved", stats.RenamesResolved),
		logging.Int("deletions_soft", stats.DeletionsSoft),
		logging.Int("deletions_hard", stats.DeletionsHard),
		logging.Int64("space_reclaimed", stats.SpaceReclaimed),
		logging.Int("failures", stats.Failures),
	)
	return stats, nil
}

func (o *Orchestrator) phase(ctx context.Context, jobID, name string) {
	o.bus.Publish(ctx, events.Event{
		Type:  events.TypeProgress,
		JobID: jobID,
		Phase: "conflict_resolution." + name,
	})
}

func (o *Orchestrator) resolveDuplicates(ctx context.Context, logger *slog.Logger, providerID string, stats *Stats) {
	sets, err := o.resolver.DetectDuplicatesIn(ctx, providerID)
	if err != nil {
		stats.Failures++
		logging.WarnWithContext(logger, "duplicate detection failed", "conflict_duplicates_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "duplicates left in catalog"),
		)
		return
	}
	stats.DuplicatesDetected = len(sets)
	if o.resolver.Policy() == config.PolicyKeepBoth {
		if len(sets) > 0 {
			logger.Info("duplicates kept by policy", logging.Int("sets", len(sets)))
		}
		return
	}
	for _, set := range sets {
		if ctx.Err() != nil {
			return
		}
		results, err := o.resolver.Deduplicate(ctx, set)
		if err != nil {
			stats.Failures++
			logging.WarnWithContext(logger, "deduplicate failed", "conflict_dedup_failed",
				logging.String("content_hash", set.Hash),
				logging.Error(err),
			)
			continue
		}
		for _, res := range results {
			stats.DuplicatesResolved++
			stats.SpaceReclaimed += res.Reclaimed
			logger.Debug("duplicate merged", logging.String("result", res.String()))
		}
	}
}

func (o *Orchestrator) resolveRenames(ctx context.Context, logger *slog.Logger, providerID string, renames []Rename, stats *Stats) {
	for _, rn := range renames {
		if ctx.Err() != nil {
			return
		}
		res, err := o.resolver.ResolveRename(ctx, providerID, rn.OldRemoteID, rn.NewRemoteID, rn.FileName)
		if err != nil {
			stats.Failures++
			logging.WarnWithContext(logger, "rename failed", "conflict_rename_failed",
				logging.String("old_remote_id", rn.OldRemoteID),
				logging.String("new_remote_id", rn.NewRemoteID),
				logging.Error(err),
			)
			continue
		}
		if res.Kind == ResultRenamed {
			stats.RenamesResolved++
		}
	}
}

func (o *Orchestrator) resolveDeletions(ctx context.Context, logger *slog.Logger, providerID string, snap Snapshot, stats *Stats) {
	targets, err := o.deletionTargets(ctx, providerID, snap)
	if err != nil {
		stats.Failures++
		logging.WarnWithContext(logger, "deletion scan failed", "conflict_deletions_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "removed files stay in catalog"),
		)
	}
	for _, remoteID := range targets {
		if ctx.Err() != nil {
			return
		}
		res, err := o.resolver.HandleDeletion(ctx, providerID, remoteID, o.hardDelete)
		if err != nil {
			stats.Failures++
			logging.WarnWithContext(logger, "deletion failed", "conflict_deletion_failed",
				logging.String("remote_id", remoteID),
				logging.Error(err),
			)
			continue
		}
		if res.Kind != ResultDeleted {
			continue
		}
		if res.Hard {
			stats.DeletionsHard++
		} else {
			stats.DeletionsSoft++
		}
	}
}

// deletionTargets returns explicit removals followed, for complete
// snapshots, by every live track whose remote id was not seen.
func (o *Orchestrator) deletionTargets(ctx context.Context, providerID string, snap Snapshot) ([]string, error) {
	seen := make(map[string]struct{}, len(snap.SeenIDs))
	for _, id := range snap.SeenIDs {
		seen[id] = struct{}{}
	}
	queued := make(map[string]struct{})
	var targets []string
	add := func(id string) {
		if _, dup := queued[id]; dup {
			return
		}
		queued[id] = struct{}{}
		targets = append(targets, id)
	}
	for _, id := range snap.Removed {
		if _, stillThere := seen[id]; !stillThere {
			add(id)
		}
	}
	if !snap.Complete {
		return targets, nil
	}
	tracks, err := o.resolver.store.List(ctx, catalog.Filter{ProviderID: providerID})
	if err != nil {
		return targets, err
	}
	for _, t := range tracks {
		if _, ok := seen[t.RemoteID]; !ok {
			add(t.RemoteID)
		}
	}
	return targets, nil
}
