package cred

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/pkg/api"
)

const DefaultRevocationSetSize = 16384

type stepKey struct {
	job  uint32
	step uint32
}

// RevocationSet is a bounded set of revoked {job, step} pairs, each remembered until no credential for it
// can still be valid. Revoking api.AllSteps covers every step of the job.
type RevocationSet struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func NewRevocationSet(size int, ttl time.Duration) (*RevocationSet, error) {
	if size <= 0 {
		size = DefaultRevocationSetSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &RevocationSet{cache: cache, ttl: ttl}, nil
}

// Revoke records the pair until now+ttl.
func (r *RevocationSet) Revoke(jobId, stepId uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(stepKey{job: jobId, step: stepId}, now.Add(r.ttl))
}

func (r *RevocationSet) IsRevoked(jobId, stepId uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live(stepKey{job: jobId, step: stepId}, now) || r.live(stepKey{job: jobId, step: api.AllSteps}, now)
}

func (r *RevocationSet) live(key stepKey, now time.Time) bool {
	v, ok := r.cache.Peek(key)
	if !ok {
		return false
	}
	return now.Before(v.(time.Time))
}

// Purge drops entries whose ttl has passed and returns how many were dropped.
func (r *RevocationSet) Purge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for _, k := range r.cache.Keys() {
		v, ok := r.cache.Peek(k)
		if ok && !now.Before(v.(time.Time)) {
			r.cache.Remove(k)
			purged++
		}
	}
	return purged
}

func (r *RevocationSet) Len() int {
	return r.cache.Len()
}
