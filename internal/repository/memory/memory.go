// Package memory provides in-process repositories for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/repository"
)

// Store holds requests, bids and assignments behind a single lock so that
// an assignment and its matched request are written together.
type Store struct {
	mu          sync.RWMutex
	requests    map[string]domain.Request
	bids        map[string][]domain.Bid
	bidIDs      map[string]bool
	assignments map[string]domain.Assignment
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		requests:    make(map[string]domain.Request),
		bids:        make(map[string][]domain.Bid),
		bidIDs:      make(map[string]bool),
		assignments: make(map[string]domain.Assignment),
	}
}

// Requests returns the request repository view of the store.
func (s *Store) Requests() *RequestRepository { return &RequestRepository{s: s} }

// Bids returns the bid repository view of the store.
func (s *Store) Bids() *BidRepository { return &BidRepository{s: s} }

// Assignments returns the assignment repository view of the store.
func (s *Store) Assignments() *AssignmentRepository { return &AssignmentRepository{s: s} }

var (
	_ repository.RequestRepository    = (*RequestRepository)(nil)
	_ repository.BidRepository        = (*BidRepository)(nil)
	_ repository.AssignmentRepository = (*AssignmentRepository)(nil)
)

// RequestRepository is an in-memory repository.RequestRepository.
type RequestRepository struct{ s *Store }

// Create implements repository.RequestRepository.
func (r *RequestRepository) Create(_ context.Context, req *domain.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.requests[req.ID]; ok {
		return repository.ErrAlreadyExists
	}
	r.s.requests[req.ID] = copyRequest(req)
	return nil
}

// GetByID implements repository.RequestRepository.
func (r *RequestRepository) GetByID(_ context.Context, id string) (*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyRequest(&req)
	return &out, nil
}

// Update implements repository.RequestRepository.
func (r *RequestRepository) Update(_ context.Context, req *domain.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.updateLocked(req)
}

// ListRetryEligible implements repository.RequestRepository.
func (r *RequestRepository) ListRetryEligible(_ context.Context, cutoff time.Time, limit int) ([]*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Request
	for _, req := range r.s.requests {
		if !req.AwaitingRetry() || req.LastAttemptAt.After(cutoff) {
			continue
		}
		c := copyRequest(&req)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BidRepository is an in-memory repository.BidRepository.
type BidRepository struct{ s *Store }

// Append implements repository.BidRepository.
func (r *BidRepository) Append(_ context.Context, bid *domain.Bid) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.bidIDs[bid.ID] {
		return nil
	}
	r.s.bidIDs[bid.ID] = true
	r.s.bids[bid.RequestID] = append(r.s.bids[bid.RequestID], *bid)
	return nil
}

// ListByRequest implements repository.BidRepository.
func (r *BidRepository) ListByRequest(_ context.Context, requestID string) ([]*domain.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.bids[requestID]
	out := make([]*domain.Bid, len(src))
	for i := range src {
		b := src[i]
		out[i] = &b
	}
	return out, nil
}

// AssignmentRepository is an in-memory repository.AssignmentRepository.
type AssignmentRepository struct{ s *Store }

// Create implements repository.AssignmentRepository.
func (r *AssignmentRepository) Create(_ context.Context, a *domain.Assignment, req *domain.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assignments[a.RequestID]; ok {
		return repository.ErrAlreadyExists
	}
	if err := r.s.updateLocked(req); err != nil {
		return err
	}
	r.s.assignments[a.RequestID] = *a
	return nil
}

// GetByRequestID implements repository.AssignmentRepository.
func (r *AssignmentRepository) GetByRequestID(_ context.Context, requestID string) (*domain.Assignment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.assignments[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (s *Store) updateLocked(req *domain.Request) error {
	if _, ok := s.requests[req.ID]; !ok {
		return repository.ErrNotFound
	}
	s.requests[req.ID] = copyRequest(req)
	return nil
}

func copyRequest(req *domain.Request) domain.Request {
	c := *req
	if req.Destination != nil {
		d := *req.Destination
		c.Destination = &d
	}
	return c
}
