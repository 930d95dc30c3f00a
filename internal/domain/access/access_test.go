package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/notification"
)

// fakeClock advances one second per reading so creation order is strict.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type fixture struct {
	requests  *InMemoryRequestRepo
	grants    *InMemoryGrantRepo
	outbox    *notification.MemoryOutbox
	metrics   *metrics.Metrics
	clock     *fakeClock
	ledger    *Ledger
	evaluator *Evaluator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		requests: NewInMemoryRequestRepo(),
		grants:   NewInMemoryGrantRepo(),
		outbox:   notification.NewMemoryOutbox(),
		metrics:  metrics.New(),
		clock:    newFakeClock(),
	}
	notifier := notification.NewNotifier(notification.NewTemplateEngine(), f.outbox, f.metrics, zerolog.Nop())
	base := []Option{
		WithNotifier(notifier),
		WithMetrics(f.metrics),
		WithClock(f.clock.Now),
	}
	f.ledger = NewLedger(f.requests, f.grants, db.PassthroughTransactor{}, append(base, opts...)...)
	f.evaluator = NewEvaluator(f.ledger)
	return f
}

func routine(requester, phn string) SubmitInput {
	return SubmitInput{
		RequesterID:   requester,
		RequesterKind: KindProfessional,
		PatientPHN:    phn,
		Purpose:       "routine checkup",
	}
}

// failingNotifier fails every call.
type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, string, map[string]string) error {
	return errors.New("outbox unavailable")
}

func requireCount(t *testing.T, f *fixture, phn string, want int) {
	t.Helper()
	_, total, err := f.requests.ListByPatient(context.Background(), phn, 100, 0)
	require.NoError(t, err)
	require.Equal(t, want, total)
}
