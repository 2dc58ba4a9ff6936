package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	now    func() time.Time

	sessions     map[chain.Hash]session.Session
	engineState  *session.EngineState
	events       []session.Event
	schemas      map[chain.Hash]attestation.Schema
	attestations map[chain.Hash]attestation.Attestation
	jobs         map[chain.Hash]jobEntry
	priceFeeds   map[string]pricefeed.Feed
	snapshots    map[string][]pricefeed.Snapshot
}

type jobEntry struct {
	job       settlement.Job
	expiresAt time.Time
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.AttestationStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		now:          func() time.Time { return time.Now().UTC() },
		sessions:     make(map[chain.Hash]session.Session),
		schemas:      make(map[chain.Hash]attestation.Schema),
		attestations: make(map[chain.Hash]attestation.Attestation),
		jobs:         make(map[chain.Hash]jobEntry),
		priceFeeds:   make(map[string]pricefeed.Feed),
		snapshots:    make(map[string][]pricefeed.Snapshot),
	}
}

// SetClock overrides the time source used for job expiry and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// SessionStore implementation -------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.RequestID]; exists {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.RequestID, storage.ErrExists)
	}
	if sess.Outcome == "" {
		sess.Outcome = session.OutcomeNone
	}
	sess = sess.Clone()
	s.sessions[sess.RequestID] = sess
	return sess.Clone(), nil
}

func (s *Store) GetSession(_ context.Context, requestID chain.Hash) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[requestID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", requestID, storage.ErrNotFound)
	}
	return sess.Clone(), nil
}

func (s *Store) SettleSession(_ context.Context, st session.Settlement) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[st.RequestID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", st.RequestID, storage.ErrNotFound)
	}
	if sess.Settled {
		return session.Session{}, fmt.Errorf("session %s: %w", st.RequestID, storage.ErrAlreadySettled)
	}
	sess.Settled = true
	sess.Outcome = st.Outcome
	sess.SettledAt = st.SettledAt
	if st.OutputRef != "" {
		sess.OutputRef = st.OutputRef
	}
	s.sessions[st.RequestID] = sess
	return sess.Clone(), nil
}

func (s *Store) ListSessions(_ context.Context, filter session.Filter) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]session.Session, 0)
	for _, sess := range s.sessions {
		if filter.Matches(sess) {
			result = append(result, sess.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].RequestID.Hex() < result[j].RequestID.Hex()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) DeleteSession(_ context.Context, requestID chain.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[requestID]
	if !ok {
		return fmt.Errorf("session %s: %w", requestID, storage.ErrNotFound)
	}
	if sess.Settled {
		return fmt.Errorf("session %s: %w", requestID, storage.ErrAlreadySettled)
	}
	delete(s.sessions, requestID)
	return nil
}

func (s *Store) ReopenSession(_ context.Context, requestID chain.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[requestID]
	if !ok {
		return fmt.Errorf("session %s: %w", requestID, storage.ErrNotFound)
	}
	sess.Settled = false
	sess.Outcome = session.OutcomeNone
	sess.OutputRef = ""
	sess.SettledAt = time.Time{}
	s.sessions[requestID] = sess
	return nil
}

func (s *Store) LoadEngineState(_ context.Context) (session.EngineState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.engineState == nil {
		return session.EngineState{}, false, nil
	}
	return *s.engineState, true, nil
}

func (s *Store) SaveEngineState(_ context.Context, st session.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engineState = &st
	return nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) AppendEvents(_ context.Context, events []session.Event) ([]session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.Event, 0, len(events))
	for _, evt := range events {
		evt = evt.Clone()
		evt.Seq = uint64(len(s.events)) + 1
		s.events = append(s.events, evt)
		out = append(out, evt.Clone())
	}
	return out, nil
}

func (s *Store) ListEvents(_ context.Context, filter session.EventFilter) ([]session.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]session.Event, 0)
	for _, evt := range s.events {
		if !filter.Matches(evt) {
			continue
		}
		result = append(result, evt.Clone())
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// AttestationStore implementation ---------------------------------------------

func (s *Store) CreateSchema(_ context.Context, schema attestation.Schema) (attestation.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schemas[schema.UID]; exists {
		return attestation.Schema{}, fmt.Errorf("schema %s: %w", schema.UID, storage.ErrExists)
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = s.now()
	}
	s.schemas[schema.UID] = schema
	return schema, nil
}

func (s *Store) GetSchema(_ context.Context, uid chain.Hash) (attestation.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schema, ok := s.schemas[uid]
	if !ok {
		return attestation.Schema{}, fmt.Errorf("schema %s: %w", uid, storage.ErrNotFound)
	}
	return schema, nil
}

func (s *Store) CreateAttestation(_ context.Context, att attestation.Attestation) (attestation.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attestations[att.UID]; exists {
		return attestation.Attestation{}, fmt.Errorf("attestation %s: %w", att.UID, storage.ErrExists)
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now()
	}
	att.Data = append([]byte(nil), att.Data...)
	s.attestations[att.UID] = att
	return cloneAttestation(att), nil
}

func (s *Store) GetAttestation(_ context.Context, uid chain.Hash) (attestation.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attestations[uid]
	if !ok {
		return attestation.Attestation{}, fmt.Errorf("attestation %s: %w", uid, storage.ErrNotFound)
	}
	return cloneAttestation(att), nil
}

func (s *Store) ListAttestations(_ context.Context, recipient chain.Address) ([]attestation.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]attestation.Attestation, 0)
	for _, att := range s.attestations {
		if recipient.IsZero() || att.Recipient == recipient {
			result = append(result, cloneAttestation(att))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func cloneAttestation(att attestation.Attestation) attestation.Attestation {
	att.Data = append([]byte(nil), att.Data...)
	return att
}

// JobStore implementation -----------------------------------------------------

func (s *Store) SaveJob(_ context.Context, job settlement.Job, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := jobEntry{job: job.Clone()}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.jobs[job.RequestID] = entry
	return nil
}

func (s *Store) GetJob(_ context.Context, requestID chain.Hash) (settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[requestID]
	if !ok || s.expiredLocked(entry) {
		delete(s.jobs, requestID)
		return settlement.Job{}, fmt.Errorf("job %s: %w", requestID, storage.ErrNotFound)
	}
	return entry.job.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, status settlement.Status) ([]settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]settlement.Job, 0)
	for id, entry := range s.jobs {
		if s.expiredLocked(entry) {
			delete(s.jobs, id)
			continue
		}
		if status == "" || entry.job.Status == status {
			result = append(result, entry.job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) expiredLocked(entry jobEntry) bool {
	return !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)
}

// PriceFeedStore implementation -----------------------------------------------

func (s *Store) CreatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feed.ID == "" {
		feed.ID = s.nextIDLocked()
	} else if _, exists := s.priceFeeds[feed.ID]; exists {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", feed.ID, storage.ErrExists)
	}
	for _, existing := range s.priceFeeds {
		if strings.EqualFold(existing.Pair, feed.Pair) {
			return pricefeed.Feed{}, fmt.Errorf("price feed for pair %s: %w", feed.Pair, storage.ErrExists)
		}
	}

	now := s.now()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) UpdatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.priceFeeds[feed.ID]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", feed.ID, storage.ErrNotFound)
	}

	feed.CreatedAt = original.CreatedAt
	feed.UpdatedAt = s.now()

	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) GetPriceFeed(_ context.Context, id string) (pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.priceFeeds[id]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s: %w", id, storage.ErrNotFound)
	}
	return feed, nil
}

func (s *Store) GetPriceFeedByPair(_ context.Context, pair string) (pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, feed := range s.priceFeeds {
		if strings.EqualFold(feed.Pair, pair) {
			return feed, nil
		}
	}
	return pricefeed.Feed{}, fmt.Errorf("price feed for pair %s: %w", pair, storage.ErrNotFound)
}

func (s *Store) ListPriceFeeds(_ context.Context) ([]pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pricefeed.Feed, 0, len(s.priceFeeds))
	for _, feed := range s.priceFeeds {
		result = append(result, feed)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Pair < result[j].Pair })
	return result, nil
}

func (s *Store) CreatePriceSnapshot(_ context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.priceFeeds[snap.FeedID]; !ok {
		return pricefeed.Snapshot{}, fmt.Errorf("price feed %s: %w", snap.FeedID, storage.ErrNotFound)
	}
	if snap.ID == "" {
		snap.ID = s.nextIDLocked()
	} else {
		for _, existing := range s.snapshots[snap.FeedID] {
			if existing.ID == snap.ID {
				return pricefeed.Snapshot{}, fmt.Errorf("snapshot %s for feed %s: %w", snap.ID, snap.FeedID, storage.ErrExists)
			}
		}
	}

	now := s.now()
	snap.CreatedAt = now
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = now
	}

	s.snapshots[snap.FeedID] = append(s.snapshots[snap.FeedID], snap)
	return snap, nil
}

// ListPriceSnapshots returns the newest snapshots first.
func (s *Store) ListPriceSnapshots(_ context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.snapshots[feedID]
	result := make([]pricefeed.Snapshot, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		result = append(result, all[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) LatestPriceSnapshot(_ context.Context, feedID string) (pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.snapshots[feedID]
	if len(all) == 0 {
		return pricefeed.Snapshot{}, fmt.Errorf("snapshot for feed %s: %w", feedID, storage.ErrNotFound)
	}
	return all[len(all)-1], nil
}
