package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatchd/internal/commission"
	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
	"dispatchd/internal/metrics"
	"dispatchd/internal/negotiation"
	"dispatchd/internal/ranking"
	"dispatchd/internal/repository"
)

// OutcomeStatus is the result of one dispatch attempt.
type OutcomeStatus string

const (
	OutcomeDispatched   OutcomeStatus = "DISPATCHED"
	OutcomeNoCandidates OutcomeStatus = "NO_CANDIDATES"
	OutcomeFatal        OutcomeStatus = "FATAL"
)

// DispatchOutcome describes what a dispatch attempt did.
type DispatchOutcome struct {
	Status       OutcomeStatus
	RequestID    string
	Attempt      int
	RadiusMeters float64
	Candidates   []string
	ExpiresAt    time.Time
}

// CoordinatorConfig tunes the DispatchCoordinator.
type CoordinatorConfig struct {
	RideRadiusMeters     float64
	DeliveryRadiusMeters float64
	MinDriverRating      float64
	NegotiationWindow    time.Duration
	MaxBidsPerDriver     int
	PersistAttempts      int
	PersistBackoff       time.Duration
}

// InitialRadius returns the first search radius for a request kind.
func (c CoordinatorConfig) InitialRadius(kind domain.RequestKind) float64 {
	if kind == domain.RequestKindDelivery {
		return c.DeliveryRadiusMeters
	}
	return c.RideRadiusMeters
}

// CoordinatorDeps are the collaborators of a DispatchCoordinator.
type CoordinatorDeps struct {
	Requests    repository.RequestRepository
	Bids        repository.BidRepository
	Assignments repository.AssignmentRepository
	Index       geo.Index
	Rates       commission.RateTable
	Partners    commission.PartnerDirectory
	Notifier    *NotificationService
	Ranker      *ranking.Ranker
	Clock       clock.Clock
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// activeSession is a negotiation in progress and the timer guarding it.
type activeSession struct {
	session  *negotiation.Session
	openedAt time.Time
	done     chan struct{}
}

// DispatchCoordinator owns the request lifecycle: candidate search,
// negotiation and finalization. Mutations of one request are serialized.
type DispatchCoordinator struct {
	cfg         CoordinatorConfig
	requests    repository.RequestRepository
	bids        repository.BidRepository
	assignments repository.AssignmentRepository
	index       geo.Index
	rates       commission.RateTable
	partners    commission.PartnerDirectory
	notifier    *NotificationService
	ranker      *ranking.Ranker
	clock       clock.Clock
	log         zerolog.Logger
	metrics     *metrics.Metrics

	locks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*activeSession

	retryReady chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	watchers   sync.WaitGroup
}

// NewDispatchCoordinator creates a DispatchCoordinator.
func NewDispatchCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *DispatchCoordinator {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 100 * time.Millisecond
	}
	if deps.Rates == nil {
		deps.Rates = commission.DefaultRateTable()
	}
	if deps.Partners == nil {
		deps.Partners = commission.StaticPartners{}
	}
	if deps.Ranker == nil {
		deps.Ranker = ranking.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewClock()
	}

	return &DispatchCoordinator{
		cfg:         cfg,
		requests:    deps.Requests,
		bids:        deps.Bids,
		assignments: deps.Assignments,
		index:       deps.Index,
		rates:       deps.Rates,
		partners:    deps.Partners,
		notifier:    deps.Notifier,
		ranker:      deps.Ranker,
		clock:       deps.Clock,
		log:         deps.Logger,
		metrics:     deps.Metrics,
		locks:       newKeyedMutex(),
		sessions:    make(map[string]*activeSession),
		retryReady:  make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// RetryReady signals whenever a request has been parked for retry.
func (c *DispatchCoordinator) RetryReady() <-chan struct{} {
	return c.retryReady
}

// Close stops the expiry timers. Open sessions are left as they are.
func (c *DispatchCoordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.watchers.Wait()
}

// SubmitRequestInput contains the parameters for a new request.
type SubmitRequestInput struct {
	ClientID      string
	Kind          domain.RequestKind
	VehicleClass  domain.VehicleClass
	Origin        domain.Location
	Destination   *domain.Location
	ProposedPrice int64
}

// SubmitRequest validates and stores a request, then dispatches it with the
// initial radius for its kind.
func (c *DispatchCoordinator) SubmitRequest(ctx context.Context, in SubmitRequestInput) (*domain.Request, DispatchOutcome, error) {
	if err := validateSubmit(in); err != nil {
		return nil, DispatchOutcome{}, err
	}

	now := c.clock.Now()
	req := &domain.Request{
		ID:            uuid.New().String(),
		ClientID:      in.ClientID,
		Kind:          in.Kind,
		VehicleClass:  in.VehicleClass,
		Origin:        in.Origin,
		Destination:   in.Destination,
		ProposedPrice: in.ProposedPrice,
		Status:        domain.RequestStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := c.retry(ctx, "request_create", func() error {
		err := c.requests.Create(ctx, req)
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil
		}
		return err
	}); err != nil {
		return nil, DispatchOutcome{}, fmt.Errorf("create request: %w", err)
	}

	unlock := c.locks.Lock(req.ID)
	defer unlock()

	outcome, err := c.dispatchLocked(ctx, req, c.cfg.InitialRadius(req.Kind))
	if err != nil {
		return req, DispatchOutcome{}, err
	}
	return req, outcome, nil
}

func validateSubmit(in SubmitRequestInput) error {
	if in.ClientID == "" {
		return ErrInvalidClientID
	}
	if !in.Kind.Valid() {
		return ErrInvalidKind
	}
	if in.VehicleClass != "" && !in.VehicleClass.Valid() {
		return ErrInvalidVehicleClass
	}
	if !in.Origin.Valid() || (in.Destination != nil && !in.Destination.Valid()) {
		return ErrInvalidLocation
	}
	if in.ProposedPrice <= 0 || in.ProposedPrice > domain.MaxProposedPrice {
		return ErrInvalidPrice
	}
	return nil
}

// Dispatch searches for candidates within radiusMeters and opens a negotiation.
// A request can only be dispatched while pending or parked for retry.
func (c *DispatchCoordinator) Dispatch(ctx context.Context, requestID string, radiusMeters float64) (DispatchOutcome, error) {
	if requestID == "" {
		return DispatchOutcome{}, ErrInvalidRequestID
	}

	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.loadRequest(ctx, requestID)
	if err != nil {
		return DispatchOutcome{}, err
	}
	return c.dispatchLocked(ctx, req, radiusMeters)
}

// EscalationPolicy is what the retry scheduler asks of a parked request.
type EscalationPolicy struct {
	// Cutoff is the latest LastAttemptAt still due for retry.
	Cutoff      time.Time
	MaxAttempts int
	Radius      func(req *domain.Request) float64
}

// EscalationDecision is what Escalate did with a request.
type EscalationDecision string

const (
	EscalationSkipped      EscalationDecision = "skipped"
	EscalationRedispatched EscalationDecision = "redispatched"
	EscalationExhausted    EscalationDecision = "exhausted"
)

// Escalate re-reads a parked request and redispatches it with a wider radius,
// or fails it once it has used up its attempts. Requests that were matched,
// cancelled or redispatched in the meantime are skipped.
func (c *DispatchCoordinator) Escalate(ctx context.Context, requestID string, p EscalationPolicy) (EscalationDecision, DispatchOutcome, error) {
	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.loadRequest(ctx, requestID)
	if err != nil {
		return EscalationSkipped, DispatchOutcome{}, err
	}
	if !req.AwaitingRetry() || c.hasSession(requestID) || req.LastAttemptAt.After(p.Cutoff) {
		return EscalationSkipped, DispatchOutcome{}, nil
	}

	if p.MaxAttempts > 0 && req.AttemptCount >= p.MaxAttempts {
		c.log.Warn().
			Str("request_id", req.ID).
			Int("attempts", req.AttemptCount).
			Msg("retry attempts exhausted; manual assignment needed")
		if err := c.failLocked(ctx, req, FailureNoCandidatesExhausted); err != nil {
			return EscalationExhausted, DispatchOutcome{}, err
		}
		c.notifier.NotifyManualAssignmentNeeded(ctx, req)
		return EscalationExhausted, DispatchOutcome{}, nil
	}

	outcome, err := c.dispatchLocked(ctx, req, p.Radius(req))
	if err != nil {
		return EscalationSkipped, DispatchOutcome{}, err
	}
	return EscalationRedispatched, outcome, nil
}

func (c *DispatchCoordinator) dispatchLocked(ctx context.Context, req *domain.Request, radius float64) (DispatchOutcome, error) {
	if c.hasSession(req.ID) || !(req.Status == domain.RequestStatusPending || req.AwaitingRetry()) {
		return DispatchOutcome{}, ErrRequestNotDispatchable
	}

	filter := geo.Filter{
		OnlyAvailable: true,
		VehicleClass:  req.VehicleClass,
		MinRating:     c.cfg.MinDriverRating,
	}
	var candidates []domain.DriverCandidate
	if err := c.retry(ctx, "candidate_query", func() error {
		var err error
		candidates, err = c.index.Query(ctx, req.Origin, radius, filter)
		return err
	}); err != nil {
		return DispatchOutcome{}, fmt.Errorf("query candidates: %w", err)
	}

	now := c.clock.Now()
	req.AttemptCount++
	req.LastAttemptAt = now
	req.UpdatedAt = now

	outcome := DispatchOutcome{
		RequestID:    req.ID,
		Attempt:      req.AttemptCount,
		RadiusMeters: radius,
	}

	if len(candidates) == 0 {
		req.Status = domain.RequestStatusPending
		req.RetryEligible = true
		if err := c.saveRequest(ctx, req); err != nil {
			return DispatchOutcome{}, err
		}

		c.log.Info().
			Str("request_id", req.ID).
			Int("attempt", req.AttemptCount).
			Float64("radius_meters", radius).
			Msg("no candidates found")
		c.metrics.DispatchOutcome(string(req.Kind), string(OutcomeNoCandidates))
		c.signalRetry()

		outcome.Status = OutcomeNoCandidates
		return outcome, nil
	}

	session := negotiation.New(req, candidates, now, negotiation.Config{
		Window:           c.cfg.NegotiationWindow,
		MaxBidsPerDriver: c.cfg.MaxBidsPerDriver,
		Ranker:           c.ranker,
	})

	req.Status = domain.RequestStatusNegotiating
	req.RetryEligible = false
	if err := c.saveRequest(ctx, req); err != nil {
		return DispatchOutcome{}, err
	}

	as := &activeSession{
		session:  session,
		openedAt: now,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.sessions[req.ID] = as
	c.mu.Unlock()

	c.watchers.Add(1)
	go c.watchExpiry(req.ID, as)

	c.notifier.NotifyCandidates(ctx, req, candidates, session.ExpiresAt())
	c.metrics.SessionOpened()
	c.metrics.DispatchOutcome(string(req.Kind), string(OutcomeDispatched))

	c.log.Info().
		Str("request_id", req.ID).
		Int("attempt", req.AttemptCount).
		Int("candidates", len(candidates)).
		Float64("radius_meters", radius).
		Msg("request dispatched")

	outcome.Status = OutcomeDispatched
	outcome.Candidates = session.Candidates()
	outcome.ExpiresAt = session.ExpiresAt()
	return outcome, nil
}

// SubmitBidInput contains the parameters of a driver response.
type SubmitBidInput struct {
	RequestID    string
	DriverID     string
	Kind         domain.BidKind
	OfferedPrice int64
}

// BidResult is the session's view after a driver bid.
type BidResult struct {
	Bid   domain.Bid
	State negotiation.State
	Top   bool
}

// SubmitBid records a driver counter-offer, accept or decline.
func (c *DispatchCoordinator) SubmitBid(ctx context.Context, in SubmitBidInput) (*BidResult, error) {
	if in.RequestID == "" {
		return nil, ErrInvalidRequestID
	}
	if in.DriverID == "" {
		return nil, ErrInvalidDriverID
	}
	if !in.Kind.Valid() {
		return nil, negotiation.ErrInvalidBidKind
	}

	unlock := c.locks.Lock(in.RequestID)
	defer unlock()

	req, as, err := c.openSession(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	bid := domain.Bid{
		ID:           uuid.New().String(),
		DriverID:     in.DriverID,
		Actor:        domain.BidActorDriver,
		Kind:         in.Kind,
		OfferedPrice: in.OfferedPrice,
		SubmittedAt:  c.clock.Now(),
	}

	res, err := as.session.Submit(bid, c.persistBid(ctx))
	if err != nil {
		c.metrics.Bid(string(in.Kind), bidRejection(err))
		if errors.Is(err, negotiation.ErrSessionExpired) {
			c.expireLocked(context.WithoutCancel(ctx), req, as)
		}
		return nil, err
	}
	c.metrics.Bid(string(in.Kind), "accepted")

	if res.Bid.IsOffer() {
		c.notifier.NotifyOfferReceived(ctx, req, res.Bid, res.Top)
	}

	c.log.Debug().
		Str("request_id", in.RequestID).
		Str("driver_id", in.DriverID).
		Str("kind", string(in.Kind)).
		Int64("offered_price", res.Bid.OfferedPrice).
		Str("state", string(res.State)).
		Msg("bid recorded")

	if res.State == negotiation.StateDeclinedAll {
		c.closeUnmatchedLocked(ctx, req, as, nil)
	}

	return &BidResult{Bid: res.Bid, State: res.State, Top: res.Top}, nil
}

func bidRejection(err error) string {
	switch {
	case errors.Is(err, negotiation.ErrInvalidBidPrice):
		return "invalid_price"
	case errors.Is(err, negotiation.ErrMaxOffersExceeded):
		return "max_offers"
	case errors.Is(err, negotiation.ErrSessionExpired), errors.Is(err, negotiation.ErrSessionClosed):
		return "closed"
	case errors.Is(err, negotiation.ErrNotCandidate):
		return "not_candidate"
	case errors.Is(err, negotiation.ErrDriverDeclined):
		return "declined"
	}
	return "error"
}

// AcceptOffer records the client's acceptance of driverID's live offer and
// creates the assignment.
func (c *DispatchCoordinator) AcceptOffer(ctx context.Context, requestID, driverID string) (*domain.Assignment, error) {
	if requestID == "" {
		return nil, ErrInvalidRequestID
	}
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, as, err := c.openSession(ctx, requestID)
	if err != nil {
		return nil, err
	}

	acceptance := domain.Bid{ID: uuid.New().String(), SubmittedAt: c.clock.Now()}
	res, err := as.session.Accept(driverID, acceptance, c.persistBid(ctx))
	if err != nil {
		if errors.Is(err, negotiation.ErrSessionExpired) {
			c.expireLocked(context.WithoutCancel(ctx), req, as)
		}
		return nil, err
	}

	// The match is confirmed from here on; do not let the caller abort it.
	return c.finalizeLocked(context.WithoutCancel(ctx), req, as, res.Offer)
}

func (c *DispatchCoordinator) finalizeLocked(ctx context.Context, req *domain.Request, as *activeSession, offer domain.Bid) (*domain.Assignment, error) {
	var partnerID string
	var hasPartner bool
	if err := c.retry(ctx, "partner_lookup", func() error {
		var err error
		partnerID, hasPartner, err = c.partners.PartnerFor(ctx, offer.DriverID)
		return err
	}); err != nil {
		return nil, c.fatalLocked(ctx, req, as, "partner_lookup", err)
	}

	rates, err := c.rates.Resolve(req.Kind, hasPartner)
	if err != nil {
		return nil, c.fatalLocked(ctx, req, as, "commission", err)
	}
	split, err := commission.Split(offer.OfferedPrice, rates.Platform, rates.Partner)
	if err != nil {
		return nil, c.fatalLocked(ctx, req, as, "commission", err)
	}
	if hasPartner {
		split.PartnerID = partnerID
	}

	now := c.clock.Now()
	a := &domain.Assignment{
		RequestID:  req.ID,
		DriverID:   offer.DriverID,
		FinalPrice: offer.OfferedPrice,
		Split:      split,
		AssignedAt: now,
	}
	req.Status = domain.RequestStatusMatched
	req.RetryEligible = false
	req.UpdatedAt = now

	if err := c.retry(ctx, "assignment", func() error {
		err := c.assignments.Create(ctx, a, req)
		if !errors.Is(err, repository.ErrAlreadyExists) {
			return err
		}
		// An earlier attempt may have committed before its reply was lost.
		existing, gerr := c.assignments.GetByRequestID(ctx, req.ID)
		if gerr == nil && existing.DriverID == a.DriverID {
			*a = *existing
			return nil
		}
		return backoff.Permanent(err)
	}); err != nil {
		return nil, c.fatalLocked(ctx, req, as, "assignment", err)
	}

	c.endSession(req.ID, as, negotiation.StateAccepted)
	c.metrics.Assignment(string(req.Kind))

	c.notifier.NotifyAssignment(ctx, req, a)
	c.notifier.NotifyReleased(ctx, req, otherCandidates(as, a.DriverID), ReleaseNotSelected)

	if err := c.index.SetAvailability(ctx, a.DriverID, false); err != nil {
		c.log.Warn().Err(err).Str("driver_id", a.DriverID).Msg("failed to mark assigned driver unavailable")
	}

	c.log.Info().
		Str("request_id", req.ID).
		Str("driver_id", a.DriverID).
		Int64("final_price", a.FinalPrice).
		Int64("platform_fee", split.PlatformFee).
		Int64("partner_fee", split.PartnerFee).
		Int64("driver_net", split.DriverNet).
		Msg("request matched")

	return a, nil
}

// fatalLocked fails a request whose confirmed match could not be stored.
func (c *DispatchCoordinator) fatalLocked(ctx context.Context, req *domain.Request, as *activeSession, op string, cause error) error {
	c.log.Error().Err(cause).
		Str("request_id", req.ID).
		Str("operation", op).
		Msg("persistence failed after retries; request failed")
	c.metrics.DispatchOutcome(string(req.Kind), string(OutcomeFatal))

	c.endSession(req.ID, as, negotiation.StateAccepted)
	if err := c.failLocked(ctx, req, FailurePersistenceFatal); err != nil {
		c.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to record request failure")
	}
	c.notifier.NotifyReleased(ctx, req, as.session.Candidates(), ReleaseOfferWithdrawn)

	return fmt.Errorf("%w: %s: %v", ErrPersistenceFatal, op, cause)
}

// failLocked moves req to failed and alerts the client and operations.
func (c *DispatchCoordinator) failLocked(ctx context.Context, req *domain.Request, reason string) error {
	req.Status = domain.RequestStatusFailed
	req.RetryEligible = false
	req.FailureReason = reason
	req.UpdatedAt = c.clock.Now()

	c.notifier.NotifyDispatchFailed(ctx, req, reason)
	return c.saveRequest(ctx, req)
}

// CancelRequest cancels a request that has not reached a final outcome.
// Cancelling an already cancelled request is a no-op.
func (c *DispatchCoordinator) CancelRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	if requestID == "" {
		return nil, ErrInvalidRequestID
	}

	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RequestStatusCancelled {
		return req, nil
	}
	if req.IsTerminal() {
		return nil, ErrRequestNotCancellable
	}

	if as := c.session(requestID); as != nil {
		if _, err := as.session.Cancel(); err != nil {
			return nil, ErrRequestNotCancellable
		}
		c.endSession(requestID, as, negotiation.StateCancelled)
		c.notifier.NotifyReleased(ctx, req, as.session.Candidates(), ReleaseOfferWithdrawn)
	}

	req.Status = domain.RequestStatusCancelled
	req.RetryEligible = false
	req.UpdatedAt = c.clock.Now()
	if err := c.saveRequest(ctx, req); err != nil {
		return nil, err
	}

	c.log.Info().Str("request_id", requestID).Msg("request cancelled")
	return req, nil
}

// Request returns the current state of a request.
func (c *DispatchCoordinator) Request(ctx context.Context, requestID string) (*domain.Request, error) {
	if requestID == "" {
		return nil, ErrInvalidRequestID
	}
	return c.requests.GetByID(ctx, requestID)
}

// Offers returns a snapshot of the request's negotiation with live offers best first.
func (c *DispatchCoordinator) Offers(ctx context.Context, requestID string) (negotiation.Snapshot, error) {
	if requestID == "" {
		return negotiation.Snapshot{}, ErrInvalidRequestID
	}
	if as := c.session(requestID); as != nil {
		return as.session.Snapshot(), nil
	}
	if _, err := c.requests.GetByID(ctx, requestID); err != nil {
		return negotiation.Snapshot{}, err
	}
	return negotiation.Snapshot{}, ErrNoActiveSession
}

// Bids returns the stored bid history of a request.
func (c *DispatchCoordinator) Bids(ctx context.Context, requestID string) ([]*domain.Bid, error) {
	if requestID == "" {
		return nil, ErrInvalidRequestID
	}
	if _, err := c.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return c.bids.ListByRequest(ctx, requestID)
}

// Assignment returns the assignment of a matched request.
func (c *DispatchCoordinator) Assignment(ctx context.Context, requestID string) (*domain.Assignment, error) {
	if requestID == "" {
		return nil, ErrInvalidRequestID
	}
	return c.assignments.GetByRequestID(ctx, requestID)
}

// watchExpiry closes the session once its window has passed. The deadline is
// re-checked at fire time so an early wakeup simply waits again.
func (c *DispatchCoordinator) watchExpiry(requestID string, as *activeSession) {
	defer c.watchers.Done()

	for {
		timer := c.clock.NewTimer(as.session.ExpiresAt().Sub(c.clock.Now()))
		select {
		case <-as.done:
			timer.Stop()
			return
		case <-c.stop:
			timer.Stop()
			return
		case <-timer.C():
		}

		if !c.expire(requestID, as) {
			return
		}
	}
}

// expire reports whether the watcher should keep waiting.
func (c *DispatchCoordinator) expire(requestID string, as *activeSession) bool {
	unlock := c.locks.Lock(requestID)
	defer unlock()

	if c.session(requestID) != as {
		return false
	}
	if !as.session.ExpiresAt().After(c.clock.Now()) {
		ctx := context.Background()
		req, err := c.loadRequest(ctx, requestID)
		if err != nil {
			c.log.Error().Err(err).Str("request_id", requestID).Msg("failed to load request at expiry")
			return true
		}
		return c.expireLocked(ctx, req, as)
	}
	return true
}

func (c *DispatchCoordinator) expireLocked(ctx context.Context, req *domain.Request, as *activeSession) bool {
	res, err := as.session.Expire(c.clock.Now())
	if errors.Is(err, negotiation.ErrNotExpired) {
		return true
	}
	if err != nil {
		return false
	}
	c.closeUnmatchedLocked(ctx, req, as, res.Recommendation)
	return false
}

// closeUnmatchedLocked finishes a negotiation that ended without acceptance.
// With a recommendation the request is closed for good; without one it is
// parked for retry.
func (c *DispatchCoordinator) closeUnmatchedLocked(ctx context.Context, req *domain.Request, as *activeSession, recommendation *domain.Bid) {
	state := as.session.State()
	c.endSession(req.ID, as, state)

	req.Status = domain.RequestStatusExpired
	req.RetryEligible = recommendation == nil
	req.UpdatedAt = c.clock.Now()

	if recommendation != nil {
		c.notifier.NotifyFinalRecommendation(ctx, req, *recommendation)
	}
	c.notifier.NotifyReleased(ctx, req, as.session.Candidates(), ReleaseWindowClosed)

	if err := c.saveRequest(ctx, req); err != nil {
		c.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to record expired request")
		return
	}

	c.log.Info().
		Str("request_id", req.ID).
		Str("state", string(state)).
		Bool("retry_eligible", req.RetryEligible).
		Msg("negotiation closed without a match")

	if req.RetryEligible {
		c.signalRetry()
	}
}

func (c *DispatchCoordinator) endSession(requestID string, as *activeSession, state negotiation.State) {
	c.mu.Lock()
	cur, ok := c.sessions[requestID]
	if ok && cur == as {
		delete(c.sessions, requestID)
	}
	c.mu.Unlock()
	if !ok || cur != as {
		return
	}

	close(as.done)
	c.metrics.SessionClosed(string(state), c.clock.Since(as.openedAt))
}

func (c *DispatchCoordinator) session(requestID string) *activeSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[requestID]
}

func (c *DispatchCoordinator) hasSession(requestID string) bool {
	return c.session(requestID) != nil
}

// openSession returns the request and its open negotiation, or the reason
// there is none.
func (c *DispatchCoordinator) openSession(ctx context.Context, requestID string) (*domain.Request, *activeSession, error) {
	req, err := c.loadRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	as := c.session(requestID)
	if as == nil {
		return nil, nil, negotiation.ErrSessionClosed
	}
	return req, as, nil
}

func (c *DispatchCoordinator) persistBid(ctx context.Context) negotiation.PersistFunc {
	return func(b domain.Bid) error {
		return c.retry(ctx, "bid", func() error { return c.bids.Append(ctx, &b) })
	}
}

func (c *DispatchCoordinator) loadRequest(ctx context.Context, id string) (*domain.Request, error) {
	var req *domain.Request
	err := c.retry(ctx, "request_load", func() error {
		var err error
		req, err = c.requests.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	return req, err
}

func (c *DispatchCoordinator) saveRequest(ctx context.Context, req *domain.Request) error {
	return c.retry(ctx, "request_update", func() error {
		err := c.requests.Update(ctx, req)
		if errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// retry runs fn up to PersistAttempts times with exponential backoff.
func (c *DispatchCoordinator) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PersistBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.PersistAttempts-1)), ctx)

	err := backoff.RetryNotify(fn, policy, func(err error, wait time.Duration) {
		c.metrics.PersistenceFailure(op, false)
		c.log.Warn().Err(err).Str("operation", op).Dur("retry_in", wait).Msg("transient store error")
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		c.metrics.PersistenceFailure(op, true)
	}
	return err
}

func (c *DispatchCoordinator) signalRetry() {
	select {
	case c.retryReady <- struct{}{}:
	default:
	}
}

func otherCandidates(as *activeSession, selected string) []string {
	var out []string
	for _, id := range as.session.Candidates() {
		if id != selected {
			out = append(out, id)
		}
	}
	return out
}
