// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package features

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Snapshot is the cached representation of one environment's full feature
// set, with a fingerprint (etag) recomputed synchronously on every mutation.
//
// Reads are safe under concurrent mutation. Writers for one environment are
// expected to be serialized by the caller (the cache store routes all event
// application for an environment through one logical owner).
type Snapshot struct {
	mu       sync.RWMutex
	id       uuid.UUID
	version  int64
	entries  map[uuid.UUID]EnvironmentFeature
	accounts []uuid.UUID
	etag     string
}

// NewSnapshot builds a snapshot from a full environment payload.
func NewSnapshot(env Environment) *Snapshot {
	s := &Snapshot{
		id:       env.ID,
		version:  env.Version,
		entries:  make(map[uuid.UUID]EnvironmentFeature, len(env.Features)),
		accounts: env.ServiceAccountIDs,
	}
	for _, ef := range env.Features {
		s.entries[ef.Feature.ID] = ef
	}
	s.etag = s.computeEtag()
	return s
}

// EnvironmentID returns the environment this snapshot belongs to.
func (s *Snapshot) EnvironmentID() uuid.UUID {
	return s.id
}

// Version returns the environment version the snapshot was built from.
func (s *Snapshot) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ServiceAccountIDs returns the service accounts the registry service listed
// for this environment at fetch time.
func (s *Snapshot) ServiceAccountIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Get returns the entry for a feature id.
func (s *Snapshot) Get(featureID uuid.UUID) (EnvironmentFeature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ef, ok := s.entries[featureID]
	return ef, ok
}

// Len returns the number of feature entries.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Set inserts or replaces a whole entry (definition and value together).
func (s *Snapshot) Set(ef EnvironmentFeature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ef.Feature.ID] = ef
	s.etag = s.computeEtag()
}

// SetFeature replaces the definition half of an entry, leaving any existing
// value untouched. Inserts the entry if absent.
func (s *Snapshot) SetFeature(ef EnvironmentFeature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[ef.Feature.ID]
	if ok {
		existing.Feature = ef.Feature
		s.entries[ef.Feature.ID] = existing
	} else {
		s.entries[ef.Feature.ID] = ef
	}
	s.etag = s.computeEtag()
}

// SetFeatureValue replaces the value half of an entry, leaving the definition
// untouched. Inserts the entry if absent.
func (s *Snapshot) SetFeatureValue(ef EnvironmentFeature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[ef.Feature.ID]
	if ok {
		existing.Value = ef.Value
		existing.Properties = ef.Properties
		s.entries[ef.Feature.ID] = existing
	} else {
		s.entries[ef.Feature.ID] = ef
	}
	s.etag = s.computeEtag()
}

// Remove deletes the entry for a feature id entirely.
func (s *Snapshot) Remove(featureID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[featureID]; !ok {
		return
	}
	delete(s.entries, featureID)
	s.etag = s.computeEtag()
}

// Etag returns the cached fingerprint of the snapshot's current
// (featureID, valueVersion) set. It is a pure function of that set: two
// snapshots with identical content always return identical etags.
func (s *Snapshot) Etag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.etag
}

// Features returns all entries in feature-id order.
func (s *Snapshot) Features() []EnvironmentFeature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Snapshot) sortedLocked() []EnvironmentFeature {
	out := make([]EnvironmentFeature, 0, len(s.entries))
	for _, ef := range s.entries {
		out = append(out, ef)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Feature.ID.String(), out[j].Feature.ID.String()) < 0
	})
	return out
}

// computeEtag must be called with at least a read lock held.
func (s *Snapshot) computeEtag() string {
	var b strings.Builder
	for i, ef := range s.sortedLocked() {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(ef.Feature.ID.String())
		b.WriteByte('-')
		if ef.Value != nil {
			fmt.Fprintf(&b, "%d", ef.Value.Version)
		} else {
			b.WriteString("0000")
		}
	}
	return fmt.Sprintf("%x", xxhash.Sum64String(b.String()))
}
