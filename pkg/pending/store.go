// Package pending tracks troubleshooting proposals that await a human
// confirmation before anything executes.
package pending

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/types"
)

// Store holds at most one pending proposal per target machine. Entries expire
// after the configured TTL; expired entries are treated as absent.
type Store struct {
	log logrus.FieldLogger
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*types.PendingConfirmation

	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty store whose entries expire after ttl.
func New(log logrus.FieldLogger, ttl time.Duration) *Store {
	return &Store{
		log:     log.WithField("component", "pending_store"),
		ttl:     ttl,
		entries: map[string]*types.PendingConfirmation{},
		now:     time.Now,
	}
}

// Propose records a proposal for the target machine, replacing any previous
// one.
func (s *Store) Propose(targetSystem, runbookName, explanation string) *types.PendingConfirmation {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &types.PendingConfirmation{
		TargetSystem: targetSystem,
		RunbookName:  runbookName,
		Explanation:  explanation,
		ExpiresAt:    s.now().Add(s.ttl),
	}
	s.entries[targetSystem] = entry

	observability.PendingConfirmations.Set(float64(len(s.entries)))

	s.log.WithFields(logrus.Fields{
		"target":  targetSystem,
		"runbook": runbookName,
	}).Info("Proposal recorded, awaiting confirmation")

	return entry
}

// Take removes and returns the live proposal for the target machine. At most
// one caller observes any given proposal; an expired one is removed and
// reported absent.
func (s *Store) Take(targetSystem string) (*types.PendingConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[targetSystem]
	if !ok {
		return nil, false
	}

	delete(s.entries, targetSystem)
	observability.PendingConfirmations.Set(float64(len(s.entries)))

	if entry.Expired(s.now()) {
		return nil, false
	}

	return entry, true
}

// Cancel discards the proposal for the target machine and reports whether a
// live one existed.
func (s *Store) Cancel(targetSystem string) bool {
	entry, ok := s.Take(targetSystem)
	if !ok {
		return false
	}

	s.log.WithFields(logrus.Fields{
		"target":  entry.TargetSystem,
		"runbook": entry.RunbookName,
	}).Info("Proposal cancelled")

	return true
}

// SweepExpired drops expired proposals and returns how many were removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for target, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, target)
			removed++
		}
	}

	if removed > 0 {
		observability.PendingConfirmations.Set(float64(len(s.entries)))

		s.log.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(s.entries),
		}).Debug("Expired proposals swept")
	}

	return removed
}

// Len reports the number of stored proposals, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
