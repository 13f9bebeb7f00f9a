package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/ogx-gateway/internal/backoff"
	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/limiter"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/repository/memory"
	"github.com/and161185/ogx-gateway/internal/transport"
)

type fakeGateway struct {
	mu        sync.Mutex
	submits   []convert.Submission
	tokens    []string
	submitFn  func(ctx context.Context, n int) (string, error)
	statusIDs [][]string
	statusFn  func(ids []string) ([]model.StatusUpdate, error)
	nextID    atomic.Int64
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) Submit(ctx context.Context, token string, sub convert.Submission) (string, error) {
	g.mu.Lock()
	g.submits = append(g.submits, sub)
	g.tokens = append(g.tokens, token)
	n := len(g.submits)
	g.mu.Unlock()
	if g.submitFn != nil {
		return g.submitFn(ctx, n)
	}
	return strconv.FormatInt(g.nextID.Add(1)+1000, 10), nil
}

func (g *fakeGateway) Statuses(_ context.Context, _ string, ids []string) ([]model.StatusUpdate, error) {
	g.mu.Lock()
	g.statusIDs = append(g.statusIDs, append([]string(nil), ids...))
	g.mu.Unlock()
	if g.statusFn != nil {
		return g.statusFn(ids)
	}
	return nil, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

type fakeTokens struct {
	mu          sync.Mutex
	gen         int
	err         error
	invErr      error
	invalidated []string
}

var _ Tokens = (*fakeTokens)(nil)

func (f *fakeTokens) Token(_ context.Context, clientID string) (model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Token{}, f.err
	}
	return model.Token{ClientID: clientID, AccessToken: "tok" + strconv.Itoa(f.gen)}, nil
}

func (f *fakeTokens) Invalidate(_ context.Context, clientID string) error {
	f.mu.Lock()
	f.gen++
	f.invalidated = append(f.invalidated, clientID)
	err := f.invErr
	f.mu.Unlock()
	return err
}

type recordingSink struct {
	mu  sync.Mutex
	trs []model.Transition
}

func (s *recordingSink) OnTransition(_ context.Context, tr model.Transition) {
	s.mu.Lock()
	s.trs = append(s.trs, tr)
	s.mu.Unlock()
}

type countingRejections struct {
	mu    sync.Mutex
	kinds []ogx.Kind
}

func (c *countingRejections) ObserveRejection(kind ogx.Kind) {
	c.mu.Lock()
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
}

type deliveryFixture struct {
	d      *Delivery
	states *memory.StateRepo
	gw     *fakeGateway
	tokens *fakeTokens
	sink   *recordingSink
	clk    *testClock
}

func testDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Retry:          backoff.Policy{MaxAttempts: 3, BaseDelay: time.Minute, Multiplier: 2, MaxDelay: time.Hour},
		AttemptTimeout: time.Second,
		MessageTTL:     24 * time.Hour,
		Retention:      ogx.MessageRetention,
	}
}

func newDeliveryFixture(t *testing.T, cfg DeliveryConfig, policy transport.Policy, opts ...DeliveryOption) *deliveryFixture {
	t.Helper()
	if policy.Priority == nil {
		policy.Priority = []model.Transport{model.TransportSatellite, model.TransportCellular}
	}
	sel, err := transport.NewSelector(policy, nil)
	require.NoError(t, err)

	f := &deliveryFixture{
		states: memory.NewStateRepo(),
		gw:     &fakeGateway{},
		tokens: &fakeTokens{},
		sink:   &recordingSink{},
		clk:    newTestClock(),
	}
	opts = append([]DeliveryOption{WithTransitionSinks(f.sink), WithDeliveryClock(f.clk.Now)}, opts...)
	f.d = NewDelivery(f.states, f.tokens, f.gw, sel, cfg, zaptest.NewLogger(t), opts...)
	return f
}

func pingMessage() ogx.Message {
	return ogx.Message{
		Name: "ping",
		SIN:  16,
		MIN:  1,
		Fields: []ogx.Field{
			{Name: "seq", Type: "unsignedint", Value: ogx.Str("7")},
		},
	}
}

func (f *deliveryFixture) accept(t *testing.T, dir ogx.Direction) *model.MessageState {
	t.Helper()
	st, err := f.d.Accept(context.Background(), AcceptRequest{
		ClientID:    "c1",
		Destination: "01008988SKY5909",
		Direction:   dir,
		Message:     pingMessage(),
	})
	require.NoError(t, err)
	return st
}

func (f *deliveryFixture) statuses(t *testing.T, id uuid.UUID) []model.Status {
	t.Helper()
	h, err := f.d.History(context.Background(), id)
	require.NoError(t, err)
	out := make([]model.Status, len(h))
	for i, tr := range h {
		out[i] = tr.To
	}
	return out
}

func TestDelivery_FromMobileSubmittedIsTerminal(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	st := f.accept(t, ogx.FromMobile)
	require.Equal(t, model.StatusQueued, st.Status)
	require.True(t, st.ExpiresAt.IsZero())

	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, model.TransportSatellite, got.Transport)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, "1001", got.GatewayID)
	require.True(t, model.IsTerminal(got.Status, got.Direction))

	require.Equal(t, []model.Status{model.StatusQueued, model.StatusSubmitting, model.StatusSubmitted}, f.statuses(t, st.ID))
	require.Len(t, f.sink.trs, 3)
	require.Equal(t, model.StatusQueued, f.sink.trs[1].From)

	again, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, again.Status)
	require.Equal(t, 1, f.gw.submitCount())
}

func TestDelivery_AcceptRejectsInvalid(t *testing.T) {
	t.Parallel()
	rej := &countingRejections{}
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{}, WithRejectionObserver(rej))
	ctx := context.Background()

	msg := pingMessage()
	msg.SIN = 0
	msg.Fields[0].Value = ogx.Str("-1")
	_, err := f.d.Accept(ctx, AcceptRequest{ClientID: "c1", Destination: "T1", Direction: ogx.ToMobile, Message: msg})
	require.ErrorIs(t, err, ogx.ErrMessageValidation)
	require.Equal(t, []ogx.Kind{ogx.KindMessage, ogx.KindField}, rej.kinds)

	_, err = f.d.Accept(ctx, AcceptRequest{ClientID: "c1", Destination: "bad id!", Direction: ogx.ToMobile, Message: pingMessage()})
	require.ErrorIs(t, err, ogx.ErrValidation)

	_, err = f.d.Accept(ctx, AcceptRequest{ClientID: "c1", Destination: "T1", Message: pingMessage()})
	require.ErrorIs(t, err, ogx.ErrMessageValidation)

	left, err := f.states.Find(ctx, model.StateFilter{})
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestDelivery_ToMobileDeliveredViaStatusPoll(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	st := f.accept(t, ogx.ToMobile)
	require.Equal(t, f.clk.Now().Add(24*time.Hour), st.ExpiresAt)
	_, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)

	f.gw.statusFn = func(ids []string) ([]model.StatusUpdate, error) {
		return []model.StatusUpdate{{GatewayID: ids[0], Outcome: model.OutcomeDelivered, State: convert.StateReceived, Transport: model.TransportCellular}}, nil
	}
	n, err := f.d.PollStatuses(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, [][]string{{"1001"}}, f.gw.statusIDs)

	got, err := f.d.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, got.Status)
	require.Equal(t, model.TransportCellular, got.Transport)

	_, err = f.d.Pending(ctx, "01008988SKY5909")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDelivery_TransientFailureRetriesThenFails(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.gw.submitFn = func(context.Context, int) (string, error) {
		return "", errs.ErrUpstreamUnavailable
	}
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, got.Status)
	require.Equal(t, f.clk.Now().Add(time.Minute), got.NextAttemptAt)
	require.Contains(t, got.LastError, "upstream unavailable")

	notDue, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, notDue.Status)
	require.Equal(t, 1, f.gw.submitCount())

	f.clk.Advance(time.Minute)
	got, err = f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, got.Status)
	require.Equal(t, f.clk.Now().Add(2*time.Minute), got.NextAttemptAt)

	f.clk.Advance(2 * time.Minute)
	got, err = f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	require.Len(t, got.Attempts, 3)
	require.Equal(t, 3, f.gw.submitCount())
}

func TestDelivery_PermanentRejectionFails(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.gw.submitFn = func(context.Context, int) (string, error) {
		return "", &ogx.Error{Kind: ogx.KindProtocol, Code: ogx.CodeGatewayRejected, GatewayErrorID: 1}
	}
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, 1, f.gw.submitCount())
}

func TestDelivery_AuthFailureRefreshesTokenOnce(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.gw.submitFn = func(_ context.Context, n int) (string, error) {
		if n == 1 {
			return "", ogx.NewAuthenticationError(ogx.CodeTokenExpired, 401, errs.ErrUnauthorized)
		}
		return "77", nil
	}
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, "77", got.GatewayID)
	require.Equal(t, []string{"c1"}, f.tokens.invalidated)
	require.Equal(t, []string{"tok0", "tok1"}, f.gw.tokens)
}

func TestDelivery_AuthFailureTwiceFails(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.gw.submitFn = func(context.Context, int) (string, error) {
		return "", ogx.NewAuthenticationError(ogx.CodeUnauthorized, 401, errs.ErrUnauthorized)
	}
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, 2, f.gw.submitCount())
}

func TestDelivery_RateLimitHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	lim := limiter.NewMemory(time.Minute, 5, time.Minute)
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{}, WithLimiter(lim))
	f.gw.submitFn = func(context.Context, int) (string, error) {
		return "", ogx.NewRateLimitError(ogx.CodeSubmitRateExceeded, 10*time.Minute, errs.ErrRateLimited)
	}
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, got.Status)
	require.Equal(t, f.clk.Now().Add(10*time.Minute), got.NextAttemptAt)
}

func TestDelivery_LimiterBlocksSubmission(t *testing.T) {
	t.Parallel()
	lim := limiter.NewMemory(time.Minute, 1, time.Hour)
	_, _, err := lim.Failure(context.Background(), "c1", limiter.GroupSubmit, 0)
	require.NoError(t, err)
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{}, WithLimiter(lim))
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.ErrorIs(t, err, ogx.ErrRateLimit)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Zero(t, f.gw.submitCount())
}

func TestDelivery_TransportExhaustedFails(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{Priority: []model.Transport{model.TransportCellular}})
	ctx := context.Background()

	msg := pingMessage()
	st, err := f.d.Accept(ctx, AcceptRequest{
		ClientID: "c1", Destination: "T1", Direction: ogx.ToMobile, Network: ogx.NetworkIDP, Message: msg,
	})
	require.NoError(t, err)

	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "transport exhausted")
	require.Zero(t, f.gw.submitCount())

	f.clk.Advance(time.Hour)
	again, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, again.Status)
	require.Equal(t, got.Ver, again.Ver)
	require.Zero(t, f.gw.submitCount())
	require.Equal(t, []model.Status{model.StatusQueued, model.StatusFailed}, f.statuses(t, st.ID))
}

func TestDelivery_DefaultPolicyFallsBackToCellular(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, DefaultDeliveryConfig(), transport.DefaultPolicy())
	f.gw.submitFn = func(_ context.Context, n int) (string, error) {
		if n <= transport.DefaultMaxAttemptsPerTransport {
			return "", errs.ErrUpstreamUnavailable
		}
		return "77", nil
	}
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)

	var got *model.MessageState
	for range transport.DefaultMaxAttemptsPerTransport + 1 {
		var err error
		got, err = f.d.Process(ctx, st.ID)
		require.NoError(t, err)
		f.clk.Advance(time.Hour)
	}
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, transport.DefaultMaxAttemptsPerTransport+1, got.AttemptCount)
	for _, a := range got.Attempts[:transport.DefaultMaxAttemptsPerTransport] {
		require.Equal(t, model.TransportSatellite, a.Transport)
	}
	require.Equal(t, model.TransportCellular, got.Attempts[transport.DefaultMaxAttemptsPerTransport].Transport)
}

// cancelAwareStates fails reads on a cancelled context, as a database would.
type cancelAwareStates struct {
	*memory.StateRepo
}

func (s cancelAwareStates) Get(ctx context.Context, id uuid.UUID) (*model.MessageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.StateRepo.Get(ctx, id)
}

func TestDelivery_CallerCancelDuringSubmitStillRecordsOutcome(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	sel, err := transport.NewSelector(transport.DefaultPolicy(), nil)
	require.NoError(t, err)
	f.d = NewDelivery(cancelAwareStates{f.states}, f.tokens, f.gw, sel, testDeliveryConfig(), zaptest.NewLogger(t),
		WithTransitionSinks(f.sink), WithDeliveryClock(f.clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gw.submitFn = func(actx context.Context, _ int) (string, error) {
		cancel()
		<-actx.Done()
		return "", actx.Err()
	}
	st := f.accept(t, ogx.FromMobile)

	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, got.Status)

	stored, err := f.states.Get(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, stored.Status)
	require.Equal(t, 1, stored.AttemptCount)
}

// stickInSubmitting leaves st in submitting as if the process running the
// attempt had died.
func (f *deliveryFixture) stickInSubmitting(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	st, err := f.states.Get(ctx, id)
	require.NoError(t, err)
	now := f.clk.Now()
	st.Status = model.StatusSubmitting
	st.Transport = model.TransportSatellite
	st.AttemptCount = 1
	st.Attempts = append(st.Attempts, model.Attempt{Transport: model.TransportSatellite, StartedAt: now})
	st.LastTransitionAt = now
	_, err = f.states.Update(ctx, st, st.Ver, model.Transition{
		MessageID: id, ClientID: st.ClientID, From: model.StatusQueued, To: model.StatusSubmitting,
		Transport: model.TransportSatellite, Attempt: 1, At: now,
	})
	require.NoError(t, err)
}

func TestDelivery_RecoverAbandonedAttempt(t *testing.T) {
	t.Parallel()
	cfg := testDeliveryConfig()
	f := newDeliveryFixture(t, cfg, transport.Policy{})
	ctx := context.Background()
	st := f.accept(t, ogx.FromMobile)
	f.stickInSubmitting(t, st.ID)

	due, err := f.d.Due(ctx, f.clk.Now().Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, due)

	n, err := f.d.RecoverAbandoned(ctx, f.clk.Now().Add(cfg.AttemptTimeout))
	require.NoError(t, err)
	require.Zero(t, n)

	f.clk.Advance(cfg.AttemptTimeout + AbandonedGrace + time.Second)
	n, err = f.d.RecoverAbandoned(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.d.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, got.Status)
	require.Equal(t, "attempt abandoned", got.Attempts[0].Error)

	f.clk.Advance(time.Hour)
	got, err = f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, 2, got.AttemptCount)
}

func TestDelivery_RecoverAbandonedFailsSpentBudget(t *testing.T) {
	t.Parallel()
	cfg := testDeliveryConfig()
	cfg.Retry.MaxAttempts = 1
	f := newDeliveryFixture(t, cfg, transport.Policy{})
	ctx := context.Background()
	st := f.accept(t, ogx.FromMobile)
	f.stickInSubmitting(t, st.ID)

	f.clk.Advance(cfg.AttemptTimeout + AbandonedGrace + time.Second)
	n, err := f.d.RecoverAbandoned(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.d.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
}

func TestDelivery_RecoverAbandonedSkipsRunningAttempt(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.submitFn = func(_ context.Context, _ int) (string, error) {
		close(started)
		<-release
		return "9", nil
	}
	ctx := context.Background()
	st := f.accept(t, ogx.FromMobile)

	done := make(chan error, 1)
	go func() {
		_, err := f.d.Process(ctx, st.ID)
		done <- err
	}()
	<-started

	f.clk.Advance(time.Hour)
	n, err := f.d.RecoverAbandoned(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	close(release)
	require.NoError(t, <-done)
	got, err := f.d.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
}

func TestDelivery_FallsBackAcrossTransports(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{MaxAttemptsPerTransport: 1})
	f.gw.submitFn = func(_ context.Context, n int) (string, error) {
		if n == 1 {
			return "", errs.ErrUpstreamUnavailable
		}
		return "5", nil
	}
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)

	_, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	require.Equal(t, []model.Transport{model.TransportSatellite, model.TransportCellular},
		[]model.Transport{got.Attempts[0].Transport, got.Attempts[1].Transport})
	require.Equal(t, int(model.TransportCellular), f.gw.submits[1].TransportType)
}

func TestDelivery_ExpireCancelsInflightAttempt(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	started := make(chan struct{})
	f.gw.submitFn = func(ctx context.Context, _ int) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)

	type result struct {
		st  *model.MessageState
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := f.d.Process(ctx, st.ID)
		done <- result{got, err}
	}()
	<-started

	f.clk.Advance(25 * time.Hour)
	n, err := f.d.ExpireDue(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, model.StatusExpired, res.st.Status)
	require.Zero(t, f.d.inflight.len())
	require.Zero(t, f.d.locks.size())
	require.Equal(t,
		[]model.Status{model.StatusQueued, model.StatusSubmitting, model.StatusExpired},
		f.statuses(t, st.ID))
}

func TestDelivery_ExpiresQueuedBeforeSubmission(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	st, err := f.d.Accept(ctx, AcceptRequest{
		ClientID: "c1", Destination: "T1", Direction: ogx.ToMobile, Message: pingMessage(), TTL: time.Minute,
	})
	require.NoError(t, err)
	f.clk.Advance(time.Minute)

	got, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
	require.Zero(t, f.gw.submitCount())
}

func TestDelivery_ApplyStatusOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		outcome model.Outcome
		want    model.Status
	}{
		{"failed", model.OutcomeFailed, model.StatusFailed},
		{"expired", model.OutcomeExpired, model.StatusExpired},
		{"retry", model.OutcomeRetry, model.StatusRetrying},
		{"pending", model.OutcomePending, model.StatusSubmitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
			ctx := context.Background()
			st := f.accept(t, ogx.ToMobile)
			sub, err := f.d.Process(ctx, st.ID)
			require.NoError(t, err)

			got, err := f.d.ApplyStatus(ctx, st.ID, model.StatusUpdate{GatewayID: sub.GatewayID, Outcome: tc.outcome, State: 9})
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Status)
		})
	}
}

func TestDelivery_ApplyStatusIgnoresStaleGatewayID(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)
	_, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)

	got, err := f.d.ApplyStatus(ctx, st.ID, model.StatusUpdate{GatewayID: "other", Outcome: model.OutcomeDelivered})
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
}

func TestDelivery_PollStatusesBatchesPerClient(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	for range ogx.MaxStatusIDs + 5 {
		st := f.accept(t, ogx.ToMobile)
		_, err := f.d.Process(ctx, st.ID)
		require.NoError(t, err)
	}
	n, err := f.d.PollStatuses(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.gw.statusIDs, 2)
	require.Len(t, f.gw.statusIDs[0], ogx.MaxStatusIDs)
	require.Len(t, f.gw.statusIDs[1], 5)
}

func TestDelivery_PollStatusesReportsErrors(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)
	_, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)

	f.gw.statusFn = func([]string) ([]model.StatusUpdate, error) {
		return nil, ogx.NewAuthenticationError(ogx.CodeTokenExpired, 401, errs.ErrUnauthorized)
	}
	_, err = f.d.PollStatuses(ctx)
	require.ErrorIs(t, err, ogx.ErrAuthentication)
	require.Equal(t, []string{"c1"}, f.tokens.invalidated)
}

func TestDelivery_PollStatusesLogsInvalidateFailure(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.d.log = zap.New(core)
	ctx := context.Background()
	st := f.accept(t, ogx.ToMobile)
	_, err := f.d.Process(ctx, st.ID)
	require.NoError(t, err)

	f.tokens.invErr = errors.New("store down")
	f.gw.statusFn = func([]string) ([]model.StatusUpdate, error) {
		return nil, ogx.NewAuthenticationError(ogx.CodeTokenExpired, 401, errs.ErrUnauthorized)
	}
	_, err = f.d.PollStatuses(ctx)
	require.ErrorIs(t, err, ogx.ErrAuthentication)

	entries := logs.FilterMessage("token invalidate failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "c1", entries[0].ContextMap()["client_id"])
	require.Equal(t, "store down", entries[0].ContextMap()["error"])
}

func TestDelivery_PendingReturnsOldest(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	first := f.accept(t, ogx.ToMobile)
	f.clk.Advance(time.Second)
	f.accept(t, ogx.ToMobile)

	got, err := f.d.Pending(ctx, "01008988SKY5909")
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
}

func TestDelivery_PurgeRemovesOldTerminal(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	ctx := context.Background()

	done := f.accept(t, ogx.FromMobile)
	_, err := f.d.Process(ctx, done.ID)
	require.NoError(t, err)
	open := f.accept(t, ogx.ToMobile)

	n, err := f.d.Purge(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.d.Purge(ctx, f.clk.Now().Add(ogx.MessageRetention+time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = f.d.Get(ctx, done.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.d.Get(ctx, open.ID)
	require.NoError(t, err)
}

func TestDelivery_TokenFailureUnknownClientFails(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.tokens.err = ogx.NewAuthenticationError(ogx.CodeUnauthorized, 0, errs.ErrUnknownClient)
	st := f.accept(t, ogx.ToMobile)

	got, err := f.d.Process(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	require.True(t, permanent(ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "x")))
	require.True(t, permanent(&ogx.Error{Kind: ogx.KindProtocol, Code: ogx.CodeUpstreamStatus}))
	require.False(t, permanent(ogx.NewRateLimitError(ogx.CodeThrottled, 0, nil)))
	require.False(t, permanent(ogx.NewEncodingError(ogx.CodeDecodeError, "x", nil)))
	require.False(t, permanent(ogx.NewAuthenticationError(ogx.CodeUnauthorized, 0, errs.ErrUpstreamUnavailable)))
	require.False(t, permanent(errors.New("boom")))
}
