package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/commission"
	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
	"dispatchd/internal/metrics"
	"dispatchd/internal/notify"
	"dispatchd/internal/repository"
	"dispatchd/internal/repository/memory"
)

// metersPerDegreeLat is the length of one degree of latitude on the haversine sphere.
const metersPerDegreeLat = 111194.93

var origin = domain.Location{Lat: 40.0, Lng: -74.0}

// north returns a point meters north of origin.
func north(meters float64) domain.Location {
	return domain.Location{Lat: origin.Lat + meters/metersPerDegreeLat, Lng: origin.Lng}
}

type recordingSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSink) ofType(t notify.Type) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	clock    *fakeclock.FakeClock
	store    *memory.Store
	index    *geo.MemoryIndex
	sink     *recordingSink
	notifier *NotificationService
	coord    *DispatchCoordinator
	metrics  *metrics.Metrics
	cfg      CoordinatorConfig
	retryCfg RetryConfig
}

type harnessOption func(*harnessDeps)

type harnessDeps struct {
	assignments repository.AssignmentRepository
	partners    commission.PartnerDirectory
	cfg         CoordinatorConfig
}

func withAssignments(repo repository.AssignmentRepository) harnessOption {
	return func(d *harnessDeps) { d.assignments = repo }
}

func withPartners(p commission.PartnerDirectory) harnessOption {
	return func(d *harnessDeps) { d.partners = p }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clk := fakeclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	index := geo.NewMemoryIndex(clk, geo.DefaultLivenessWindow, 0)
	sink := &recordingSink{}

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	notifier, err := NewNotificationService(NotificationConfig{
		Workers:          4,
		DeliveryAttempts: 2,
		RetryInterval:    time.Millisecond,
	}, clk, zerolog.Nop(), m, sink)
	require.NoError(t, err)

	deps := harnessDeps{
		assignments: store.Assignments(),
		cfg: CoordinatorConfig{
			RideRadiusMeters:     3000,
			DeliveryRadiusMeters: 5000,
			NegotiationWindow:    120 * time.Second,
			MaxBidsPerDriver:     3,
			PersistAttempts:      3,
			PersistBackoff:       time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	coord := NewDispatchCoordinator(deps.cfg, CoordinatorDeps{
		Requests:    store.Requests(),
		Bids:        store.Bids(),
		Assignments: deps.assignments,
		Index:       index,
		Rates:       commission.DefaultRateTable(),
		Partners:    deps.partners,
		Notifier:    notifier,
		Clock:       clk,
		Logger:      zerolog.Nop(),
		Metrics:     m,
	})

	h := &harness{
		t:        t,
		clock:    clk,
		store:    store,
		index:    index,
		sink:     sink,
		notifier: notifier,
		coord:    coord,
		metrics:  m,
		cfg:      deps.cfg,
		retryCfg: RetryConfig{
			Interval:        60 * time.Second,
			GracePeriod:     2 * time.Minute,
			MaxAttempts:     5,
			RadiusGrowth:    0.5,
			MaxRadiusMeters: 15000,
			BatchSize:       100,
			LockTTL:         30 * time.Second,
		},
	}
	t.Cleanup(func() {
		coord.Close()
		notifier.Close()
	})
	return h
}

func (h *harness) addDriver(id string, loc domain.Location, rating float64, jobs int) {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.index.UpsertProfile(ctx, domain.DriverProfile{
		DriverID:      id,
		VehicleClass:  domain.VehicleClassCar,
		Rating:        rating,
		CompletedJobs: jobs,
		Available:     true,
	}))
	require.NoError(h.t, h.index.UpsertLocation(ctx, geo.PositionUpdate{
		DriverID:  id,
		Location:  loc,
		Timestamp: h.clock.Now(),
	}))
}

func (h *harness) submit(kind domain.RequestKind, price int64) (*domain.Request, DispatchOutcome) {
	h.t.Helper()
	req, outcome, err := h.coord.SubmitRequest(context.Background(), SubmitRequestInput{
		ClientID:      "client-1",
		Kind:          kind,
		Origin:        origin,
		ProposedPrice: price,
	})
	require.NoError(h.t, err)
	return req, outcome
}

func (h *harness) request(id string) *domain.Request {
	h.t.Helper()
	req, err := h.coord.Request(context.Background(), id)
	require.NoError(h.t, err)
	return req
}

func (h *harness) bid(requestID, driverID string, kind domain.BidKind, price int64) (*BidResult, error) {
	return h.coord.SubmitBid(context.Background(), SubmitBidInput{
		RequestID:    requestID,
		DriverID:     driverID,
		Kind:         kind,
		OfferedPrice: price,
	})
}

func (h *harness) scheduler() *RetryScheduler {
	return NewRetryScheduler(h.retryCfg, h.coord, h.store.Requests(), NewLocalLocker(h.clock), h.clock, zerolog.Nop(), h.metrics, nil)
}

// flakyAssignments fails the first failures calls to Create. When commit is
// set the failing calls still store the assignment, as if the reply was lost.
type flakyAssignments struct {
	repository.AssignmentRepository

	mu       sync.Mutex
	failures int
	commit   bool
	calls    int
}

func (f *flakyAssignments) Create(ctx context.Context, a *domain.Assignment, req *domain.Request) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if !fail {
		return f.AssignmentRepository.Create(ctx, a, req)
	}
	if f.commit {
		_ = f.AssignmentRepository.Create(ctx, a, req)
	}
	return errStoreDown
}

func (f *flakyAssignments) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errStoreDown = errors.New("store unavailable")
