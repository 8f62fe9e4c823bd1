package coordinator

import (
	"context"
	"sort"
	"sync"
)

// activeSync is the in-memory handle of a running job.
type activeSync struct {
	jobID     string
	profileID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// Registry tracks the one active sync allowed per profile. It is owned by
// whoever builds the coordinator, so separate coordinators never share
// state unless handed the same registry.
type Registry struct {
	mu        sync.Mutex
	byProfile map[string]*activeSync
	byJob     map[string]*activeSync
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byProfile: make(map[string]*activeSync),
		byJob:     make(map[string]*activeSync),
	}
}

// claim registers a as the profile's active sync, failing when one exists.
func (r *Registry) claim(a *activeSync) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byProfile[a.profileID]; busy {
		return false
	}
	r.byProfile[a.profileID] = a
	r.byJob[a.jobID] = a
	return true
}

func (r *Registry) release(a *activeSync) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byProfile[a.profileID]; ok && cur == a {
		delete(r.byProfile, a.profileID)
	}
	delete(r.byJob, a.jobID)
}

func (r *Registry) job(jobID string) *activeSync {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byJob[jobID]
}

// IsActive reports whether profileID has a sync running.
func (r *Registry) IsActive(profileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byProfile[profileID]
	return ok
}

// ActiveJobs returns the ids of running jobs in sorted order.
func (r *Registry) ActiveJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byJob))
	for id := range r.byJob {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
