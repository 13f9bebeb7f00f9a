package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ogx-gateway/internal/backoff"
	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/limiter"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/repository"
	"github.com/and161185/ogx-gateway/internal/transport"
	"github.com/and161185/ogx-gateway/internal/validation"
)

// Gateway is the upstream used for submissions and status polling.
// *upstream.Client implements it.
type Gateway interface {
	Submit(ctx context.Context, token string, sub convert.Submission) (string, error)
	Statuses(ctx context.Context, token string, gatewayIDs []string) ([]model.StatusUpdate, error)
}

// Tokens provides access tokens per client. *TokenManager implements it.
type Tokens interface {
	Token(ctx context.Context, clientID string) (model.Token, error)
	Invalidate(ctx context.Context, clientID string) error
}

// TransitionSink receives every recorded status change.
type TransitionSink interface {
	OnTransition(ctx context.Context, tr model.Transition)
}

// RejectionObserver is told about every message rejected by validation.
type RejectionObserver interface {
	ObserveRejection(kind ogx.Kind)
}

// AbandonedGrace is how long past the attempt timeout a submitting record
// may go without a transition before it counts as abandoned.
const AbandonedGrace = time.Minute

// DeliveryConfig holds the delivery settings.
type DeliveryConfig struct {
	// Retry spaces submission attempts; MaxAttempts is the total budget.
	Retry          backoff.Policy
	AttemptTimeout time.Duration
	MessageTTL     time.Duration
	Retention      time.Duration
	// Enumerations are the allowed values of enum fields, by field name.
	Enumerations map[string][]string
}

// DefaultDeliveryConfig returns the settings used when none are configured.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Retry:          backoff.DefaultDeliveryPolicy(),
		AttemptTimeout: ogx.DefaultAttemptTimeout,
		MessageTTL:     ogx.DefaultMessageTTL,
		Retention:      ogx.MessageRetention,
	}
}

// DeliveryOption customizes a Delivery.
type DeliveryOption func(*Delivery)

// WithTransitionSinks publishes transitions to sinks.
func WithTransitionSinks(sinks ...TransitionSink) DeliveryOption {
	return func(d *Delivery) { d.sinks = append(d.sinks, sinks...) }
}

// WithRejectionObserver reports validation rejections to o.
func WithRejectionObserver(o RejectionObserver) DeliveryOption {
	return func(d *Delivery) { d.rejections = o }
}

// WithLimiter throttles upstream calls per client.
func WithLimiter(l limiter.Limiter) DeliveryOption {
	return func(d *Delivery) { d.lim = l }
}

// WithDeliveryClock replaces time.Now.
func WithDeliveryClock(now func() time.Time) DeliveryOption {
	return func(d *Delivery) { d.now = now }
}

// AcceptRequest is a message handed to the gateway for delivery.
type AcceptRequest struct {
	ClientID    string
	Destination string
	Direction   ogx.Direction
	Network     ogx.Network
	Message     ogx.Message
	// TTL overrides the configured message lifetime; zero keeps it.
	TTL time.Duration
}

// Delivery drives messages through the delivery state machine.
type Delivery struct {
	states     repository.StateRepository
	tokens     Tokens
	gw         Gateway
	sel        *transport.Selector
	cfg        DeliveryConfig
	log        *zap.Logger
	lim        limiter.Limiter
	sinks      []TransitionSink
	rejections RejectionObserver
	now        func() time.Time

	locks    *keyLock
	inflight *inflightSet
}

// NewDelivery wires the delivery service.
func NewDelivery(
	states repository.StateRepository,
	tokens Tokens,
	gw Gateway,
	sel *transport.Selector,
	cfg DeliveryConfig,
	log *zap.Logger,
	opts ...DeliveryOption,
) *Delivery {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Delivery{
		states:   states,
		tokens:   tokens,
		gw:       gw,
		sel:      sel,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		locks:    newKeyLock(),
		inflight: newInflightSet(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Accept validates a message and queues it. Invalid messages are rejected
// with the validation error and nothing is stored.
func (d *Delivery) Accept(ctx context.Context, req AcceptRequest) (*model.MessageState, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("validation: empty client id: %w", errs.ErrUnknownClient)
	}
	if req.Direction == ogx.DirectionUnknown {
		return nil, ogx.Errorf(ogx.KindMessage, ogx.CodeMissingRequiredField, "IsForward", "direction is unknown")
	}
	if err := validation.ValidateTerminalID(req.Destination); err != nil {
		d.reject(err)
		return nil, err
	}
	vctx := validation.Context{Direction: req.Direction, Enumerations: d.cfg.Enumerations}
	if err := validation.Validate(&req.Message, vctx); err != nil {
		d.reject(err)
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := d.now()
	st := &model.MessageState{
		ID:               id,
		ClientID:         req.ClientID,
		Destination:      req.Destination,
		Direction:        req.Direction,
		Network:          req.Network,
		Status:           model.StatusQueued,
		Message:          req.Message,
		CreatedAt:        now,
		LastTransitionAt: now,
		NextAttemptAt:    now,
	}
	if req.Direction == ogx.ToMobile {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = d.cfg.MessageTTL
		}
		if ttl > 0 {
			st.ExpiresAt = now.Add(ttl)
		}
	}
	tr := model.Transition{MessageID: id, ClientID: st.ClientID, To: model.StatusQueued, At: now}
	if err := d.states.Create(ctx, st, tr); err != nil {
		return nil, err
	}
	d.emit(ctx, tr)
	d.log.Info("message accepted",
		zap.String("message_id", id.String()),
		zap.String("client_id", st.ClientID),
		zap.String("destination", st.Destination),
		zap.Stringer("direction", st.Direction),
		zap.Int("size", validation.Size(&st.Message)))
	return st, nil
}

// Process runs one pipeline step for a due queued or retrying message and
// returns the resulting state. Messages that are not due are returned
// unchanged.
func (d *Delivery) Process(ctx context.Context, id uuid.UUID) (*model.MessageState, error) {
	unlock := d.locks.Lock(id)
	st, err := d.states.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	now := d.now()
	if (st.Status != model.StatusQueued && st.Status != model.StatusRetrying) || st.NextAttemptAt.After(now) {
		unlock()
		return st, nil
	}
	if st.Expired(now) {
		err := d.transition(ctx, st, model.StatusExpired, "ttl elapsed before submission")
		unlock()
		return st, err
	}
	if d.cfg.Retry.Exhausted(st.AttemptCount) {
		err := d.transition(ctx, st, model.StatusFailed, fmt.Sprintf("attempt budget of %d spent", d.cfg.Retry.MaxAttempts))
		unlock()
		return st, err
	}
	if err := d.allow(ctx, st.ClientID, limiter.GroupSubmit); err != nil {
		unlock()
		return st, err
	}

	t, err := d.sel.Select(transport.Candidate{
		Destination: st.Destination,
		Network:     st.Network,
		SIN:         st.Message.SIN,
		Size:        validation.Size(&st.Message),
	}, st.Attempts)
	if err != nil {
		st.LastError = err.Error()
		terr := d.transition(ctx, st, model.StatusFailed, err.Error())
		unlock()
		return st, terr
	}

	st.Transport = t
	st.AttemptCount++
	st.Attempts = append(st.Attempts, model.Attempt{Transport: t, StartedAt: now})
	if err := d.transition(ctx, st, model.StatusSubmitting, ""); err != nil {
		unlock()
		return nil, err
	}
	n := st.AttemptCount
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout())
	d.inflight.add(id, n, cancel)
	unlock()

	gatewayID, subErr := d.submit(attemptCtx, st, t)
	cancel()
	d.inflight.remove(id, n)

	// The outcome is recorded even when the caller has gone away, otherwise
	// the message would sit in submitting.
	octx := context.WithoutCancel(ctx)
	unlock = d.locks.Lock(id)
	defer unlock()
	cur, err := d.states.Get(octx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusSubmitting || cur.AttemptCount != n {
		d.log.Info("late submission result discarded",
			zap.String("message_id", id.String()), zap.Int("attempt", n), zap.String("status", string(cur.Status)))
		return cur, nil
	}
	return cur, d.applySubmit(octx, cur, gatewayID, subErr)
}

// submit performs one attempt. An authentication failure forces one token
// refresh and a resubmission.
func (d *Delivery) submit(ctx context.Context, st *model.MessageState, t model.Transport) (string, error) {
	sub := convert.ToSubmission(st, t)
	var lastErr error
	for range 2 {
		tok, err := d.tokens.Token(ctx, st.ClientID)
		if err != nil {
			return "", err
		}
		id, err := d.gw.Submit(ctx, tok.AccessToken, sub)
		if err == nil || !errors.Is(err, ogx.ErrAuthentication) {
			return id, err
		}
		lastErr = err
		if ierr := d.tokens.Invalidate(ctx, st.ClientID); ierr != nil {
			d.log.Warn("token invalidate failed", zap.String("client_id", st.ClientID), zap.Error(ierr))
		}
	}
	return "", lastErr
}

func (d *Delivery) applySubmit(ctx context.Context, st *model.MessageState, gatewayID string, subErr error) error {
	last := &st.Attempts[len(st.Attempts)-1]
	if subErr == nil {
		st.GatewayID = gatewayID
		st.LastError = ""
		d.success(ctx, st.ClientID, limiter.GroupSubmit)
		return d.transition(ctx, st, model.StatusSubmitted, "")
	}

	last.Error = subErr.Error()
	st.LastError = subErr.Error()
	if permanent(subErr) {
		return d.transition(ctx, st, model.StatusFailed, subErr.Error())
	}
	var retryAfter time.Duration
	if errors.Is(subErr, ogx.ErrRateLimit) {
		retryAfter = d.throttled(ctx, st.ClientID, limiter.GroupSubmit, subErr)
	}
	return d.retryOrFail(ctx, st, retryAfter, subErr.Error())
}

// retryOrFail schedules the next attempt or fails the message when the
// attempt budget is spent.
func (d *Delivery) retryOrFail(ctx context.Context, st *model.MessageState, retryAfter time.Duration, reason string) error {
	if d.cfg.Retry.Exhausted(st.AttemptCount) {
		return d.transition(ctx, st, model.StatusFailed, reason)
	}
	st.NextAttemptAt = d.now().Add(max(d.cfg.Retry.Delay(st.AttemptCount), retryAfter))
	return d.transition(ctx, st, model.StatusRetrying, reason)
}

// permanent reports failures that no retry can fix: validation rejections,
// rejected credentials and unrecognized gateway errors.
func permanent(err error) bool {
	switch {
	case errors.Is(err, errs.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ogx.ErrValidation), errors.Is(err, ogx.ErrAuthentication), errors.Is(err, errs.ErrUnknownClient):
		return true
	case errors.Is(err, ogx.ErrRateLimit), errors.Is(err, ogx.ErrEncoding):
		return false
	}
	var e *ogx.Error
	return errors.As(err, &e) && e.Kind == ogx.KindProtocol
}

// ApplyStatus applies one upstream status report to a submitted to-mobile message.
func (d *Delivery) ApplyStatus(ctx context.Context, id uuid.UUID, u model.StatusUpdate) (*model.MessageState, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	st, err := d.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StatusSubmitted || st.Direction != ogx.ToMobile || st.GatewayID != u.GatewayID {
		return st, nil
	}
	reason := fmt.Sprintf("gateway state %d", u.State)
	if u.ErrorID != 0 {
		reason = fmt.Sprintf("gateway state %d, error %d", u.State, u.ErrorID)
	}
	switch u.Outcome {
	case model.OutcomeDelivered:
		if u.Transport != model.TransportUnassigned {
			st.Transport = u.Transport
		}
		st.LastError = ""
		return st, d.transition(ctx, st, model.StatusDelivered, reason)
	case model.OutcomeFailed:
		st.LastError = reason
		return st, d.transition(ctx, st, model.StatusFailed, reason)
	case model.OutcomeExpired:
		st.LastError = reason
		return st, d.transition(ctx, st, model.StatusExpired, reason)
	case model.OutcomeRetry:
		st.LastError = reason
		st.GatewayID = ""
		return st, d.retryOrFail(ctx, st, 0, reason)
	}
	return st, nil
}

// PollStatuses asks the gateway about every submitted to-mobile message,
// batched per client, and applies the answers. It returns how many
// messages changed state.
func (d *Delivery) PollStatuses(ctx context.Context) (int, error) {
	pending, err := d.states.Find(ctx, model.StateFilter{
		Statuses:  []model.Status{model.StatusSubmitted},
		Direction: ogx.ToMobile,
		Limit:     ogx.MaxMessagesPerPoll,
	})
	if err != nil {
		return 0, err
	}

	byClient := make(map[string][]*model.MessageState)
	var clients []string
	for _, st := range pending {
		if st.GatewayID == "" {
			continue
		}
		if _, ok := byClient[st.ClientID]; !ok {
			clients = append(clients, st.ClientID)
		}
		byClient[st.ClientID] = append(byClient[st.ClientID], st)
	}

	var (
		changed int
		errList []error
	)
	for _, client := range clients {
		for batch := range slices.Chunk(byClient[client], ogx.MaxStatusIDs) {
			n, err := d.pollBatch(ctx, client, batch)
			changed += n
			if err != nil {
				errList = append(errList, fmt.Errorf("client %s: %w", client, err))
				break
			}
		}
	}
	return changed, errors.Join(errList...)
}

func (d *Delivery) pollBatch(ctx context.Context, client string, batch []*model.MessageState) (int, error) {
	if err := d.allow(ctx, client, limiter.GroupStatus); err != nil {
		return 0, err
	}
	tok, err := d.tokens.Token(ctx, client)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(batch))
	byGateway := make(map[string]uuid.UUID, len(batch))
	for i, st := range batch {
		ids[i] = st.GatewayID
		byGateway[st.GatewayID] = st.ID
	}

	updates, err := d.gw.Statuses(ctx, tok.AccessToken, ids)
	switch {
	case err == nil:
		d.success(ctx, client, limiter.GroupStatus)
	case errors.Is(err, ogx.ErrAuthentication):
		if ierr := d.tokens.Invalidate(ctx, client); ierr != nil {
			d.log.Warn("token invalidate failed", zap.String("client_id", client), zap.Error(ierr))
		}
		return 0, err
	case errors.Is(err, ogx.ErrRateLimit):
		d.throttled(ctx, client, limiter.GroupStatus, err)
		return 0, err
	default:
		return 0, err
	}

	changed := 0
	for _, u := range updates {
		id, ok := byGateway[u.GatewayID]
		if !ok || u.Outcome == model.OutcomePending {
			continue
		}
		st, err := d.ApplyStatus(ctx, id, u)
		if err != nil {
			return changed, err
		}
		if st.Status != model.StatusSubmitted {
			changed++
		}
	}
	return changed, nil
}

// ExpireDue moves non-terminal to-mobile messages whose TTL elapsed at now
// to expired and cancels their in-flight attempts.
func (d *Delivery) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.states.Find(ctx, model.StateFilter{
		Statuses:  []model.Status{model.StatusQueued, model.StatusSubmitting, model.StatusSubmitted, model.StatusRetrying},
		Direction: ogx.ToMobile,
		ExpiredAt: now,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range due {
		ok, err := d.expire(ctx, s.ID, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (d *Delivery) expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	unlock := d.locks.Lock(id)
	defer unlock()
	st, err := d.states.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if model.IsTerminal(st.Status, st.Direction) || !st.Expired(now) {
		return false, nil
	}
	if st.Status == model.StatusSubmitting {
		d.inflight.cancel(id)
	}
	if err := d.transition(ctx, st, model.StatusExpired, "ttl elapsed"); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverAbandoned treats attempts left in submitting for longer than the
// attempt timeout plus AbandonedGrace as failed, so they are retried or
// failed like any other transient error. Attempts still running in this
// process are left alone.
func (d *Delivery) RecoverAbandoned(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-d.attemptTimeout() - AbandonedGrace)
	stale, err := d.states.Find(ctx, model.StateFilter{
		Statuses:    []model.Status{model.StatusSubmitting},
		StaleBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stale {
		ok, err := d.recoverAbandoned(ctx, s.ID, cutoff)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (d *Delivery) recoverAbandoned(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	unlock := d.locks.Lock(id)
	defer unlock()
	if d.inflight.has(id) {
		return false, nil
	}
	st, err := d.states.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if st.Status != model.StatusSubmitting || st.LastTransitionAt.After(cutoff) {
		return false, nil
	}
	const reason = "attempt abandoned"
	if len(st.Attempts) > 0 {
		st.Attempts[len(st.Attempts)-1].Error = reason
	}
	st.LastError = reason
	d.log.Warn("abandoned attempt recovered",
		zap.String("message_id", id.String()), zap.Int("attempt", st.AttemptCount), zap.Time("since", st.LastTransitionAt))
	if err := d.retryOrFail(ctx, st, 0, reason); err != nil {
		return false, err
	}
	return true, nil
}

// Purge deletes terminal records older than the retention window.
func (d *Delivery) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := d.states.PurgeTerminal(ctx, now.Add(-d.cfg.Retention))
	if err == nil && n > 0 {
		d.log.Info("terminal messages purged", zap.Int64("count", n))
	}
	return n, err
}

// Get returns a snapshot of one message.
func (d *Delivery) Get(ctx context.Context, id uuid.UUID) (*model.MessageState, error) {
	return d.states.Get(ctx, id)
}

// Pending returns the oldest non-terminal to-mobile message for a terminal.
func (d *Delivery) Pending(ctx context.Context, terminalID string) (*model.MessageState, error) {
	out, err := d.states.Find(ctx, model.StateFilter{
		Statuses:    []model.Status{model.StatusQueued, model.StatusSubmitting, model.StatusSubmitted, model.StatusRetrying},
		Direction:   ogx.ToMobile,
		Destination: terminalID,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.ErrNotFound
	}
	return out[0], nil
}

// History returns the recorded transitions of one message.
func (d *Delivery) History(ctx context.Context, id uuid.UUID) ([]model.Transition, error) {
	return d.states.History(ctx, id)
}

// Due lists queued and retrying messages whose next attempt is due at now.
func (d *Delivery) Due(ctx context.Context, now time.Time, limit int) ([]*model.MessageState, error) {
	return d.states.Find(ctx, model.StateFilter{
		Statuses:  []model.Status{model.StatusQueued, model.StatusRetrying},
		DueBefore: now,
		Limit:     limit,
	})
}

// transition moves st to the given status and stores it conditionally on
// its current version.
func (d *Delivery) transition(ctx context.Context, st *model.MessageState, to model.Status, reason string) error {
	from := st.Status
	if !model.CanTransition(from, to, st.Direction) {
		return fmt.Errorf("message %s %s -> %s: %w", st.ID, from, to, errs.ErrInvalidTransition)
	}
	now := d.now()
	st.Status = to
	st.LastTransitionAt = now
	tr := model.Transition{
		MessageID: st.ID,
		ClientID:  st.ClientID,
		From:      from,
		To:        to,
		Transport: st.Transport,
		Attempt:   st.AttemptCount,
		Reason:    reason,
		At:        now,
	}
	v, err := d.states.Update(ctx, st, st.Ver, tr)
	if err != nil {
		st.Status = from
		return err
	}
	st.Ver = v
	d.log.Debug("message transition",
		zap.String("message_id", st.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", st.AttemptCount),
		zap.String("reason", reason))
	d.emit(ctx, tr)
	return nil
}

func (d *Delivery) emit(ctx context.Context, tr model.Transition) {
	for _, s := range d.sinks {
		s.OnTransition(ctx, tr)
	}
}

func (d *Delivery) reject(err error) {
	if d.rejections == nil {
		return
	}
	for _, v := range ogx.Violations(err) {
		d.rejections.ObserveRejection(v.Kind)
	}
}

func (d *Delivery) allow(ctx context.Context, client, group string) error {
	if d.lim == nil {
		return nil
	}
	ok, retryAfter, err := d.lim.Allow(ctx, client, group)
	if err != nil {
		d.log.Warn("limiter unavailable", zap.String("client_id", client), zap.Error(err))
		return nil
	}
	if !ok {
		return ogx.NewRateLimitError(ogx.CodeThrottled, retryAfter, errs.ErrRateLimited)
	}
	return nil
}

func (d *Delivery) success(ctx context.Context, client, group string) {
	if d.lim == nil {
		return
	}
	if err := d.lim.Success(ctx, client, group); err != nil {
		d.log.Warn("limiter reset failed", zap.String("client_id", client), zap.Error(err))
	}
}

// throttled records a rate-limit response and returns how long to hold off.
func (d *Delivery) throttled(ctx context.Context, client, group string, cause error) time.Duration {
	var retryAfter time.Duration
	var e *ogx.Error
	if errors.As(cause, &e) {
		retryAfter = e.RetryAfter
	}
	if d.lim == nil {
		return retryAfter
	}
	_, block, err := d.lim.Failure(ctx, client, group, retryAfter)
	if err != nil {
		d.log.Warn("limiter update failed", zap.String("client_id", client), zap.Error(err))
		return retryAfter
	}
	return max(block, retryAfter)
}

func (d *Delivery) attemptTimeout() time.Duration {
	if d.cfg.AttemptTimeout > 0 {
		return d.cfg.AttemptTimeout
	}
	return ogx.DefaultAttemptTimeout
}
