// Package negotiation holds the per-request bidding state machine.
package negotiation

import (
	"sync"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/ranking"
)

// State is the position of a session in its lifecycle.
type State string

const (
	StateOpen           State = "OPEN"
	StateAwaitingClient State = "AWAITING_CLIENT"
	StateAccepted       State = "ACCEPTED"
	StateDeclinedAll    State = "DECLINED_ALL"
	StateExpired        State = "EXPIRED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s != StateOpen && s != StateAwaitingClient
}

const (
	// DefaultWindow is how long drivers may bid after dispatch.
	DefaultWindow = 120 * time.Second

	// DefaultMaxBidsPerDriver caps the bids one driver may place on a request.
	DefaultMaxBidsPerDriver = 3
)

// Config tunes a session.
type Config struct {
	Window           time.Duration
	MaxBidsPerDriver int
	Ranker           *ranking.Ranker
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxBidsPerDriver <= 0 {
		c.MaxBidsPerDriver = DefaultMaxBidsPerDriver
	}
	if c.Ranker == nil {
		c.Ranker = ranking.New()
	}
	return c
}

// PersistFunc durably records a bid. A bid is only added to the session
// once its PersistFunc has succeeded.
type PersistFunc func(domain.Bid) error

// Session is the negotiation for a single request. All methods are safe
// for concurrent use; mutations are applied one at a time.
type Session struct {
	cfg           Config
	requestID     string
	proposedPrice int64
	openedAt      time.Time
	expiresAt     time.Time
	candidates    []string
	stats         map[string]ranking.DriverStats

	mu        sync.Mutex
	state     State
	bids      []domain.Bid
	perDriver map[string]int
	declined  map[string]bool
	ranked    []ranking.Scored
}

// New opens a session for req with the notified candidates.
func New(req *domain.Request, candidates []domain.DriverCandidate, openedAt time.Time, cfg Config) *Session {
	cfg = cfg.withDefaults()

	ids := make([]string, 0, len(candidates))
	stats := make(map[string]ranking.DriverStats, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.DriverID)
		stats[c.DriverID] = ranking.DriverStats{Rating: c.Rating, CompletedJobs: c.CompletedJobs}
	}

	return &Session{
		cfg:           cfg,
		requestID:     req.ID,
		proposedPrice: req.ProposedPrice,
		openedAt:      openedAt,
		expiresAt:     openedAt.Add(cfg.Window),
		candidates:    ids,
		stats:         stats,
		state:         StateOpen,
		perDriver:     make(map[string]int),
		declined:      make(map[string]bool),
	}
}

// RequestID returns the request the session negotiates.
func (s *Session) RequestID() string { return s.requestID }

// ExpiresAt returns the end of the negotiation window.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Candidates returns the driver ids that were notified.
func (s *Session) Candidates() []string {
	out := make([]string, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubmitResult describes the effect of a driver bid.
type SubmitResult struct {
	Bid   domain.Bid
	State State
	// Top is set when the bid became the best-ranked live offer.
	Top bool
}

// Submit applies a driver bid. b.SubmittedAt is taken as the current time.
//
// Driver accepts are offers at the proposed price; declines are recorded at
// the proposed price and withdraw the driver's standing offer.
func (s *Session) Submit(b domain.Bid, persist PersistFunc) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return SubmitResult{}, ErrSessionClosed
	}
	if !b.SubmittedAt.Before(s.expiresAt) {
		return SubmitResult{}, ErrSessionExpired
	}
	if b.Actor != domain.BidActorDriver || !b.Kind.Valid() {
		return SubmitResult{}, ErrInvalidBidKind
	}
	if _, ok := s.stats[b.DriverID]; !ok {
		return SubmitResult{}, ErrNotCandidate
	}
	if s.declined[b.DriverID] {
		return SubmitResult{}, ErrDriverDeclined
	}

	b.RequestID = s.requestID
	switch b.Kind {
	case domain.BidKindCounterOffer:
		if err := ValidatePrice(s.proposedPrice, b.OfferedPrice); err != nil {
			return SubmitResult{}, err
		}
	case domain.BidKindAccept, domain.BidKindDecline:
		b.OfferedPrice = s.proposedPrice
	}

	if s.perDriver[b.DriverID] >= s.cfg.MaxBidsPerDriver {
		return SubmitResult{}, ErrMaxOffersExceeded
	}

	if persist != nil {
		if err := persist(b); err != nil {
			return SubmitResult{}, err
		}
	}

	s.bids = append(s.bids, b)
	s.perDriver[b.DriverID]++
	if b.Kind == domain.BidKindDecline {
		s.declined[b.DriverID] = true
	}
	s.rerankLocked()

	res := SubmitResult{Bid: b}
	switch {
	case len(s.declined) == len(s.candidates):
		s.state = StateDeclinedAll
	case len(s.ranked) == 0:
		s.state = StateOpen
	case b.IsOffer() && s.ranked[0].Bid.ID == b.ID:
		s.state = StateAwaitingClient
		res.Top = true
	}
	res.State = s.state
	return res, nil
}

// AcceptResult is the outcome of a client acceptance.
type AcceptResult struct {
	Offer      domain.Bid
	Acceptance domain.Bid
}

// Accept records the client's acceptance of driverID's live offer.
// acceptance carries the id and time of the client bid.
func (s *Session) Accept(driverID string, acceptance domain.Bid, persist PersistFunc) (AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return AcceptResult{}, ErrSessionClosed
	}
	if !acceptance.SubmittedAt.Before(s.expiresAt) {
		return AcceptResult{}, ErrSessionExpired
	}

	offer, ok := s.liveOfferLocked(driverID)
	if !ok {
		return AcceptResult{}, ErrNoLiveOffer
	}

	acceptance.RequestID = s.requestID
	acceptance.DriverID = driverID
	acceptance.Actor = domain.BidActorClient
	acceptance.Kind = domain.BidKindAccept
	acceptance.OfferedPrice = offer.OfferedPrice

	if persist != nil {
		if err := persist(acceptance); err != nil {
			return AcceptResult{}, err
		}
	}

	s.bids = append(s.bids, acceptance)
	s.state = StateAccepted
	return AcceptResult{Offer: offer, Acceptance: acceptance}, nil
}

// ExpireResult is the outcome of closing the window.
type ExpireResult struct {
	// Recommendation is the best live offer at expiry, if any.
	Recommendation *domain.Bid
}

// Expire closes the session if now is past the window. It returns
// ErrNotExpired when the window is still open.
func (s *Session) Expire(now time.Time) (ExpireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ExpireResult{}, ErrSessionClosed
	}
	if now.Before(s.expiresAt) {
		return ExpireResult{}, ErrNotExpired
	}

	var res ExpireResult
	if len(s.ranked) > 0 {
		top := s.ranked[0].Bid
		res.Recommendation = &top
	}
	s.state = StateExpired
	return res, nil
}

// Cancel moves an active session to CANCELLED. It reports false when the
// session was already cancelled and returns ErrSessionClosed for other
// terminal states.
func (s *Session) Cancel() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateCancelled:
		return false, nil
	case s.state.Terminal():
		return false, ErrSessionClosed
	}
	s.state = StateCancelled
	return true, nil
}

// Ranked returns the live offers best first with their scores.
func (s *Session) Ranked() []ranking.Scored {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ranking.Scored, len(s.ranked))
	copy(out, s.ranked)
	return out
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	RequestID  string
	State      State
	OpenedAt   time.Time
	ExpiresAt  time.Time
	Candidates []string
	Bids       []domain.Bid
	Offers     []ranking.Scored
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	bids := make([]domain.Bid, len(s.bids))
	copy(bids, s.bids)
	offers := make([]ranking.Scored, len(s.ranked))
	copy(offers, s.ranked)

	return Snapshot{
		RequestID:  s.requestID,
		State:      s.state,
		OpenedAt:   s.openedAt,
		ExpiresAt:  s.expiresAt,
		Candidates: s.Candidates(),
		Bids:       bids,
		Offers:     offers,
	}
}

// BidCount returns how many bids driverID has placed.
func (s *Session) BidCount(driverID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perDriver[driverID]
}

// liveOffersLocked returns each driver's latest standing offer in bid order.
func (s *Session) liveOffersLocked() []domain.Bid {
	latest := make(map[string]int)
	for i, b := range s.bids {
		if b.IsOffer() {
			latest[b.DriverID] = i
		}
	}
	out := make([]domain.Bid, 0, len(latest))
	for i, b := range s.bids {
		if !b.IsOffer() || latest[b.DriverID] != i || s.declined[b.DriverID] {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *Session) liveOfferLocked(driverID string) (domain.Bid, bool) {
	for _, sc := range s.ranked {
		if sc.Bid.DriverID == driverID {
			return sc.Bid, true
		}
	}
	return domain.Bid{}, false
}

func (s *Session) rerankLocked() {
	s.ranked = s.cfg.Ranker.Score(s.liveOffersLocked(), s.stats, s.openedAt)
}
