package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/domain"
	"dispatchd/internal/notify"
)

type flakySink struct {
	recordingSink

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySink) Deliver(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("transport down")
	}
	return f.recordingSink.Deliver(ctx, n)
}

func newTestNotifier(t *testing.T, sinks ...notify.Sink) *NotificationService {
	t.Helper()
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	n, err := NewNotificationService(NotificationConfig{
		Workers:          2,
		DeliveryAttempts: 3,
		RetryInterval:    time.Millisecond,
	}, clk, zerolog.Nop(), nil, sinks...)
	require.NoError(t, err)
	return n
}

func TestNotificationRetriesFailingSink(t *testing.T) {
	flaky := &flakySink{failures: 2}
	steady := &recordingSink{}
	n := newTestNotifier(t, flaky, steady)

	req := &domain.Request{ID: "req-1", ClientID: "client-1", AttemptCount: 5}
	n.NotifyManualAssignmentNeeded(context.Background(), req)
	n.Close()

	got := flaky.ofType(notify.TypeManualAssignmentNeeded)
	require.Len(t, got, 1)
	assert.Equal(t, notify.OperationsRecipient, got[0].RecipientID)
	assert.NotEmpty(t, got[0].ID)
	assert.Len(t, steady.ofType(notify.TypeManualAssignmentNeeded), 1)
}

func TestNotificationGivesUpAfterAttempts(t *testing.T) {
	flaky := &flakySink{failures: 10}
	n := newTestNotifier(t, flaky)

	n.NotifyDispatchFailed(context.Background(), &domain.Request{ID: "req-1", ClientID: "client-1"}, FailureNoCandidatesExhausted)
	n.Close()

	assert.Empty(t, flaky.ofType(notify.TypeDispatchFailed))
	assert.Equal(t, 6, flaky.attempts)
}

func TestNotificationAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	n := newTestNotifier(t, sink)
	n.Close()

	n.NotifyOfferReceived(context.Background(), &domain.Request{ID: "req-1", ClientID: "c"}, domain.Bid{DriverID: "d1", OfferedPrice: 100}, true)
	assert.Empty(t, sink.ofType(notify.TypeOfferReceived))
}

// gatedSink holds every delivery until release is closed.
type gatedSink struct {
	recordingSink
	release chan struct{}
}

func (g *gatedSink) Deliver(ctx context.Context, n notify.Notification) error {
	<-g.release
	return g.recordingSink.Deliver(ctx, n)
}

func candidates(n int) []domain.DriverCandidate {
	out := make([]domain.DriverCandidate, n)
	for i := range out {
		out[i] = domain.DriverCandidate{DriverID: fmt.Sprintf("d%d", i), DistanceMeters: float64(100 * i)}
	}
	return out
}

func TestNotificationFanOutDoesNotBlockOnSlowSink(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	n := newTestNotifier(t, sink)
	req := &domain.Request{ID: "req-1", ClientID: "c1", Kind: domain.RequestKindRide, ProposedPrice: 1000}

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		n.NotifyCandidates(context.Background(), req, candidates(8), time.Unix(60, 0))
		n.NotifyOfferReceived(context.Background(), req, domain.Bid{DriverID: "d0", OfferedPrice: 900}, true)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a stalled sink")
	}

	close(sink.release)
	n.Close()
	assert.Len(t, sink.ofType(notify.TypeCandidateNotified), 8)
	assert.Len(t, sink.ofType(notify.TypeOfferReceived), 1)
}

func TestNotificationQueueOverflowDrops(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	n, err := NewNotificationService(NotificationConfig{
		Workers:          1,
		QueueSize:        1,
		DeliveryAttempts: 1,
		RetryInterval:    time.Millisecond,
	}, clk, zerolog.Nop(), nil, sink)
	require.NoError(t, err)

	req := &domain.Request{ID: "req-1", ClientID: "c1", Kind: domain.RequestKindRide, ProposedPrice: 1000}
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		n.NotifyCandidates(context.Background(), req, candidates(50), time.Unix(60, 0))
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a full queue")
	}

	close(sink.release)
	n.Close()
	delivered := len(sink.ofType(notify.TypeCandidateNotified))
	assert.GreaterOrEqual(t, delivered, 1)
	assert.Less(t, delivered, 50)
}
