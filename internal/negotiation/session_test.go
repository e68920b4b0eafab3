package negotiation

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession(drivers ...string) *Session {
	req := &domain.Request{ID: "req-1", Kind: domain.RequestKindRide, ProposedPrice: 15000}
	cands := make([]domain.DriverCandidate, 0, len(drivers))
	for _, d := range drivers {
		cands = append(cands, domain.DriverCandidate{DriverID: d, Rating: 4.5, CompletedJobs: 100})
	}
	return New(req, cands, t0, Config{})
}

var seq int

func driverBid(driver string, kind domain.BidKind, price int64, after time.Duration) domain.Bid {
	seq++
	return domain.Bid{
		ID:           fmt.Sprintf("bid-%03d", seq),
		DriverID:     driver,
		Actor:        domain.BidActorDriver,
		Kind:         kind,
		OfferedPrice: price,
		SubmittedAt:  t0.Add(after),
	}
}

func TestCounterOfferThenClientAccept(t *testing.T) {
	s := newSession("d1", "d2")

	res, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 16000, 10*time.Second), nil)
	require.NoError(t, err)
	assert.True(t, res.Top)
	assert.Equal(t, StateAwaitingClient, res.State)

	acc, err := s.Accept("d1", domain.Bid{ID: "client-1", SubmittedAt: t0.Add(20 * time.Second)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(16000), acc.Offer.OfferedPrice)
	assert.Equal(t, domain.BidActorClient, acc.Acceptance.Actor)
	assert.Equal(t, int64(16000), acc.Acceptance.OfferedPrice)
	assert.Equal(t, StateAccepted, s.State())

	_, err = s.Submit(driverBid("d2", domain.BidKindCounterOffer, 15000, 25*time.Second), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFourthOfferRejected(t *testing.T) {
	s := newSession("d1")
	for i, p := range []int64{17000, 16500, 16000} {
		_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, p, time.Duration(i+1)*time.Second), nil)
		require.NoError(t, err)
	}

	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 15500, 10*time.Second), nil)
	assert.ErrorIs(t, err, ErrMaxOffersExceeded)

	snap := s.Snapshot()
	assert.Len(t, snap.Bids, 3)
	assert.Equal(t, 3, s.BidCount("d1"))
	require.Len(t, snap.Offers, 1)
	assert.Equal(t, int64(16000), snap.Offers[0].Bid.OfferedPrice, "latest offer supersedes earlier ones")
}

func TestPriceBelowMinimumRejected(t *testing.T) {
	s := newSession("d1")

	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 10000, time.Second), nil)
	require.ErrorIs(t, err, ErrInvalidBidPrice)

	var pe *PriceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, int64(12000), pe.Min)
	assert.Contains(t, err.Error(), "12000")
	assert.Equal(t, StateOpen, s.State())
	assert.Empty(t, s.Snapshot().Bids)
}

func TestPriceBounds(t *testing.T) {
	lo, hi := PriceBounds(15000)
	assert.Equal(t, int64(12000), lo)
	assert.Equal(t, int64(30000), hi)

	assert.NoError(t, ValidatePrice(15000, 12000))
	assert.NoError(t, ValidatePrice(15000, 30000))
	assert.ErrorIs(t, ValidatePrice(15000, 30001), ErrInvalidBidPrice)
	assert.ErrorIs(t, ValidatePrice(15000, 0), ErrInvalidBidPrice)

	// 80% of 999 is 799.2; the bound rounds up.
	lo, _ = PriceBounds(999)
	assert.Equal(t, int64(800), lo)

	lo, hi = PriceBounds(domain.MaxProposedPrice)
	assert.Equal(t, int64(800_000_000_000), lo)
	assert.Equal(t, int64(2_000_000_000_000), hi)

	lo, hi = PriceBounds(math.MaxInt64)
	assert.Positive(t, lo)
	assert.Equal(t, int64(math.MaxInt64), hi)
}

func TestDriverAcceptIsOfferAtProposedPrice(t *testing.T) {
	s := newSession("d1")
	res, err := s.Submit(driverBid("d1", domain.BidKindAccept, 0, time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), res.Bid.OfferedPrice)
	assert.Equal(t, StateAwaitingClient, res.State)
}

func TestDeclineWithdrawsOfferAndAllDeclinedCloses(t *testing.T) {
	s := newSession("d1", "d2")

	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 16000, time.Second), nil)
	require.NoError(t, err)
	res, err := s.Submit(driverBid("d1", domain.BidKindDecline, 0, 2*time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, res.State)
	assert.Empty(t, s.Ranked())

	_, err = s.Submit(driverBid("d1", domain.BidKindCounterOffer, 15000, 3*time.Second), nil)
	assert.ErrorIs(t, err, ErrDriverDeclined)

	res, err = s.Submit(driverBid("d2", domain.BidKindDecline, 0, 4*time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, StateDeclinedAll, res.State)
	for _, b := range s.Snapshot().Bids {
		assert.Greater(t, b.OfferedPrice, int64(0))
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	s := newSession("d1")
	_, err := s.Submit(driverBid("intruder", domain.BidKindCounterOffer, 15000, time.Second), nil)
	assert.ErrorIs(t, err, ErrNotCandidate)
}

func TestBidAfterWindowRejected(t *testing.T) {
	s := newSession("d1")
	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 15000, DefaultWindow), nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestPersistFailureLeavesSessionUntouched(t *testing.T) {
	s := newSession("d1")
	boom := errors.New("db down")
	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 15000, time.Second), func(domain.Bid) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.BidCount("d1"))
	assert.Equal(t, StateOpen, s.State())
}

func TestExpireWithoutOffers(t *testing.T) {
	s := newSession("d1")

	_, err := s.Expire(t0.Add(DefaultWindow - time.Second))
	assert.ErrorIs(t, err, ErrNotExpired)

	res, err := s.Expire(t0.Add(DefaultWindow))
	require.NoError(t, err)
	assert.Nil(t, res.Recommendation)
	assert.Equal(t, StateExpired, s.State())
}

func TestExpireSurfacesBestOffer(t *testing.T) {
	s := newSession("d1", "d2")
	_, err := s.Submit(driverBid("d1", domain.BidKindCounterOffer, 18000, time.Second), nil)
	require.NoError(t, err)
	_, err = s.Submit(driverBid("d2", domain.BidKindCounterOffer, 14000, time.Second), nil)
	require.NoError(t, err)

	res, err := s.Expire(t0.Add(3 * time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "d2", res.Recommendation.DriverID)

	_, err = s.Accept("d2", domain.Bid{ID: "late", SubmittedAt: t0.Add(4 * time.Minute)}, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestAcceptRequiresLiveOffer(t *testing.T) {
	s := newSession("d1", "d2")
	_, err := s.Accept("d2", domain.Bid{ID: "c", SubmittedAt: t0.Add(time.Second)}, nil)
	assert.ErrorIs(t, err, ErrNoLiveOffer)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newSession("d1")

	changed, err := s.Cancel()
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Cancel()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateCancelled, s.State())

	accepted := newSession("d1")
	_, err = accepted.Submit(driverBid("d1", domain.BidKindCounterOffer, 15000, time.Second), nil)
	require.NoError(t, err)
	_, err = accepted.Accept("d1", domain.Bid{ID: "c", SubmittedAt: t0.Add(2 * time.Second)}, nil)
	require.NoError(t, err)
	_, err = accepted.Cancel()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestConcurrentSubmitsHonourBidCap(t *testing.T) {
	s := newSession("d1")
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			b := domain.Bid{
				ID:           fmt.Sprintf("c-%d", i),
				DriverID:     "d1",
				Actor:        domain.BidActorDriver,
				Kind:         domain.BidKindCounterOffer,
				OfferedPrice: 15000,
				SubmittedAt:  t0.Add(time.Second),
			}
			_, err := s.Submit(b, nil)
			errs <- err
		}(i)
	}
	ok, capped := 0, 0
	for i := 0; i < 10; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, ErrMaxOffersExceeded):
			capped++
		}
	}
	assert.Equal(t, DefaultMaxBidsPerDriver, ok)
	assert.Equal(t, 7, capped)
}
