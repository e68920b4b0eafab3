package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/workpool"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatchd/internal/domain"
	"dispatchd/internal/metrics"
	"dispatchd/internal/notify"
)

// Release reasons carried by CandidateReleased notifications.
const (
	ReleaseNotSelected    = "not_selected"
	ReleaseOfferWithdrawn = "offer_withdrawn"
	ReleaseWindowClosed   = "window_closed"
)

// NotificationConfig tunes outbound delivery.
type NotificationConfig struct {
	Workers          int
	QueueSize        int
	DeliveryAttempts int
	RetryInterval    time.Duration
}

type delivery struct {
	ctx  context.Context
	sink notify.Sink
	n    notify.Notification
}

// NotificationService fans notifications out to every sink on a worker pool.
// Delivery is fire-and-forget for callers and at-least-once per sink.
type NotificationService struct {
	cfg     NotificationConfig
	sinks   []notify.Sink
	pool    *workpool.WorkPool
	queue   chan delivery
	drained chan struct{}
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	stopped bool
	pending sync.WaitGroup
}

// NewNotificationService creates a NotificationService.
func NewNotificationService(
	cfg NotificationConfig,
	clk clock.Clock,
	log zerolog.Logger,
	m *metrics.Metrics,
	sinks ...notify.Sink,
) (*NotificationService, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	pool, err := workpool.NewWorkPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("notification pool: %w", err)
	}

	s := &NotificationService{
		cfg:     cfg,
		sinks:   sinks,
		pool:    pool,
		queue:   make(chan delivery, cfg.QueueSize),
		drained: make(chan struct{}),
		clock:   clk,
		log:     log,
		metrics: m,
	}
	go s.dispatch()
	return s, nil
}

// NotifyCandidates tells each candidate about a request open for bids.
func (s *NotificationService) NotifyCandidates(ctx context.Context, req *domain.Request, candidates []domain.DriverCandidate, expiresAt time.Time) {
	for _, c := range candidates {
		data := map[string]any{
			"kind":            req.Kind,
			"origin":          req.Origin,
			"proposed_price":  req.ProposedPrice,
			"distance_meters": c.DistanceMeters,
			"expires_at":      expiresAt,
		}
		if req.Destination != nil {
			data["destination"] = *req.Destination
		}
		s.send(ctx, notify.Notification{
			Type:        notify.TypeCandidateNotified,
			RequestID:   req.ID,
			RecipientID: c.DriverID,
			Title:       "New request nearby",
			Message:     fmt.Sprintf("New %s request %.0fm away, proposed price %d", req.Kind, c.DistanceMeters, req.ProposedPrice),
			Data:        data,
		})
	}
}

// NotifyOfferReceived tells the client about a driver offer.
func (s *NotificationService) NotifyOfferReceived(ctx context.Context, req *domain.Request, bid domain.Bid, top bool) {
	s.send(ctx, notify.Notification{
		Type:        notify.TypeOfferReceived,
		RequestID:   req.ID,
		RecipientID: req.ClientID,
		Title:       "New offer",
		Message:     fmt.Sprintf("Driver offered %d", bid.OfferedPrice),
		Data: map[string]any{
			"bid_id":        bid.ID,
			"driver_id":     bid.DriverID,
			"offered_price": bid.OfferedPrice,
			"kind":          bid.Kind,
			"top":           top,
		},
	})
}

// NotifyAssignment tells the client and the selected driver about the match.
func (s *NotificationService) NotifyAssignment(ctx context.Context, req *domain.Request, a *domain.Assignment) {
	data := map[string]any{
		"driver_id":    a.DriverID,
		"final_price":  a.FinalPrice,
		"platform_fee": a.Split.PlatformFee,
		"partner_fee":  a.Split.PartnerFee,
		"driver_net":   a.Split.DriverNet,
		"assigned_at":  a.AssignedAt,
	}
	if a.Split.PartnerID != "" {
		data["partner_id"] = a.Split.PartnerID
	}
	for _, recipient := range []string{req.ClientID, a.DriverID} {
		s.send(ctx, notify.Notification{
			Type:        notify.TypeAssignment,
			RequestID:   req.ID,
			RecipientID: recipient,
			Title:       "Driver assigned",
			Message:     fmt.Sprintf("Request matched at %d", a.FinalPrice),
			Data:        data,
		})
	}
}

// NotifyReleased tells drivers they are no longer needed for a request.
func (s *NotificationService) NotifyReleased(ctx context.Context, req *domain.Request, driverIDs []string, reason string) {
	for _, id := range driverIDs {
		s.send(ctx, notify.Notification{
			Type:        notify.TypeCandidateReleased,
			RequestID:   req.ID,
			RecipientID: id,
			Title:       "Request closed",
			Message:     "This request is no longer available",
			Data:        map[string]any{"reason": reason},
		})
	}
}

// NotifyFinalRecommendation surfaces the best offer to the client when the window closes.
func (s *NotificationService) NotifyFinalRecommendation(ctx context.Context, req *domain.Request, bid domain.Bid) {
	s.send(ctx, notify.Notification{
		Type:        notify.TypeFinalRecommendation,
		RequestID:   req.ID,
		RecipientID: req.ClientID,
		Title:       "Best offer",
		Message:     fmt.Sprintf("Bidding closed. Best offer was %d", bid.OfferedPrice),
		Data: map[string]any{
			"bid_id":        bid.ID,
			"driver_id":     bid.DriverID,
			"offered_price": bid.OfferedPrice,
		},
	})
}

// NotifyDispatchFailed tells the client and operations that a request failed.
func (s *NotificationService) NotifyDispatchFailed(ctx context.Context, req *domain.Request, reason string) {
	for _, recipient := range []string{req.ClientID, notify.OperationsRecipient} {
		s.send(ctx, notify.Notification{
			Type:        notify.TypeDispatchFailed,
			RequestID:   req.ID,
			RecipientID: recipient,
			Title:       "Dispatch failed",
			Message:     fmt.Sprintf("Request could not be dispatched: %s", reason),
			Data:        map[string]any{"reason": reason, "attempts": req.AttemptCount},
		})
	}
}

// NotifyManualAssignmentNeeded asks operations to match a request by hand.
func (s *NotificationService) NotifyManualAssignmentNeeded(ctx context.Context, req *domain.Request) {
	s.send(ctx, notify.Notification{
		Type:        notify.TypeManualAssignmentNeeded,
		RequestID:   req.ID,
		RecipientID: notify.OperationsRecipient,
		Title:       "Manual assignment needed",
		Message:     fmt.Sprintf("No driver found after %d attempts", req.AttemptCount),
		Data: map[string]any{
			"kind":           req.Kind,
			"origin":         req.Origin,
			"proposed_price": req.ProposedPrice,
			"attempts":       req.AttemptCount,
		},
	})
}

// Close drains queued notifications and stops the workers.
func (s *NotificationService) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	<-s.drained
	s.pending.Wait()
	s.pool.Stop()
}

// send queues n for every sink without blocking the caller.
func (s *NotificationService) send(ctx context.Context, n notify.Notification) {
	n.ID = uuid.New().String()
	n.CreatedAt = s.clock.Now()
	ctx = context.WithoutCancel(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.log.Warn().Str("type", string(n.Type)).Str("request_id", n.RequestID).Msg("notification dropped after shutdown")
		return
	}

	for _, sink := range s.sinks {
		s.pending.Add(1)
		select {
		case s.queue <- delivery{ctx: ctx, sink: sink, n: n}:
		default:
			s.pending.Done()
			s.metrics.Notification(string(n.Type), "dropped")
			s.log.Warn().
				Str("sink", sink.Name()).
				Str("type", string(n.Type)).
				Str("request_id", n.RequestID).
				Msg("notification queue full, dropping")
		}
	}
}

// dispatch feeds queued deliveries to the pool. Submit may block while
// every worker is busy; only this goroutine waits on it.
func (s *NotificationService) dispatch() {
	defer close(s.drained)
	for d := range s.queue {
		d := d
		s.pool.Submit(func() {
			defer s.pending.Done()
			s.deliver(d.ctx, d.sink, d.n)
		})
	}
}

func (s *NotificationService) deliver(ctx context.Context, sink notify.Sink, n notify.Notification) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.DeliveryAttempts-1)), ctx)

	err := backoff.Retry(func() error { return sink.Deliver(ctx, n) }, policy)
	if err != nil {
		s.metrics.Notification(string(n.Type), "failed")
		s.log.Error().Err(err).
			Str("sink", sink.Name()).
			Str("type", string(n.Type)).
			Str("request_id", n.RequestID).
			Str("recipient_id", n.RecipientID).
			Msg("notification delivery failed")
		return
	}
	s.metrics.Notification(string(n.Type), "delivered")
}
