package grpcserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/service"
	"github.com/and161185/ogx-gateway/internal/validation"
)

type fakeDeliveries struct {
	mu     sync.Mutex
	states map[uuid.UUID]*model.MessageState
	order  []uuid.UUID
}

var _ Deliveries = (*fakeDeliveries)(nil)

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{states: map[uuid.UUID]*model.MessageState{}}
}

func (f *fakeDeliveries) Accept(_ context.Context, req service.AcceptRequest) (*model.MessageState, error) {
	if err := validation.Validate(&req.Message, validation.Context{Direction: req.Direction}); err != nil {
		return nil, err
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &model.MessageState{
		ID:               uuid.Must(uuid.NewV4()),
		ClientID:         req.ClientID,
		Destination:      req.Destination,
		Direction:        req.Direction,
		Network:          req.Network,
		Status:           model.StatusQueued,
		Message:          req.Message,
		CreatedAt:        now,
		LastTransitionAt: now,
		NextAttemptAt:    now,
		Ver:              1,
	}
	if req.TTL > 0 {
		st.ExpiresAt = now.Add(req.TTL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.ID] = st
	f.order = append(f.order, st.ID)
	return st.Clone(), nil
}

func (f *fakeDeliveries) Get(_ context.Context, id uuid.UUID) (*model.MessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return st.Clone(), nil
}

func (f *fakeDeliveries) History(_ context.Context, id uuid.UUID) ([]model.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return []model.Transition{{MessageID: id, ClientID: st.ClientID, To: model.StatusQueued, At: st.CreatedAt}}, nil
}

func (f *fakeDeliveries) Pending(_ context.Context, terminalID string) (*model.MessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		if st := f.states[id]; st.Destination == terminalID && st.Direction == ogx.ToMobile {
			return st.Clone(), nil
		}
	}
	return nil, errs.ErrNotFound
}

type fakeTokenStatuses map[string]model.Token

func (f fakeTokenStatuses) Status(clientID string) (model.Token, bool) {
	t, ok := f[clientID]
	return t, ok
}

type apiFixture struct {
	client *Client
	dels   *fakeDeliveries
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	lis := bufconn.Listen(1 << 20)

	dels := newFakeDeliveries()
	tokens := fakeTokenStatuses{
		"c1": {ClientID: "c1", AccessToken: "secret", ExpiresAt: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)},
	}
	known := func(id string) bool { return id == "c1" || id == "c2" }

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), AuthUnary(testKey, known, log), LoggingUnary(log)))
	Register(s, New(dels, tokens, nil))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return &apiFixture{client: NewClient(cc), dels: dels}
}

func authed(t *testing.T, clientID string) context.Context {
	t.Helper()
	tok, err := IssueOperatorToken(clientID, testKey, time.Hour, time.Now())
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

const pingJSON = `{"Name":"ping","SIN":16,"MIN":1,"Fields":[{"Name":"seq","Type":"unsignedint","Value":"7"}]}`

func TestAPI_AcceptGetHistory(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := authed(t, "c1")

	v, err := f.client.Accept(ctx, &AcceptRequest{
		Destination: "01097623SKYA3F7",
		Direction:   "to-mobile",
		TTLSeconds:  3600,
		Message:     []byte(pingJSON),
	})
	require.NoError(t, err)
	require.Equal(t, "queued", v.Status)
	require.Equal(t, "c1", v.ClientID)
	require.NotNil(t, v.ExpiresAt)

	got, err := f.client.GetMessage(ctx, &MessageRequest{ID: v.ID})
	require.NoError(t, err)
	require.Equal(t, v.ID, got.ID)

	h, err := f.client.History(ctx, &MessageRequest{ID: v.ID})
	require.NoError(t, err)
	require.Len(t, h.Transitions, 1)
	require.Equal(t, "queued", h.Transitions[0].To)

	p, err := f.client.Pending(ctx, &PendingRequest{Destination: "01097623SKYA3F7"})
	require.NoError(t, err)
	require.Equal(t, v.ID, p.ID)
}

func TestAPI_OtherClientsMessagesAreHidden(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	v, err := f.client.Accept(authed(t, "c1"), &AcceptRequest{
		Destination: "01097623SKYA3F7", Direction: "to-mobile", Message: []byte(pingJSON),
	})
	require.NoError(t, err)

	other := authed(t, "c2")
	_, err = f.client.GetMessage(other, &MessageRequest{ID: v.ID})
	require.Equal(t, codes.NotFound, status.Code(err))
	_, err = f.client.History(other, &MessageRequest{ID: v.ID})
	require.Equal(t, codes.NotFound, status.Code(err))
	_, err = f.client.Pending(other, &PendingRequest{Destination: "01097623SKYA3F7"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestAPI_RejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := authed(t, "c1")

	_, err := f.client.Accept(ctx, &AcceptRequest{Destination: "T1", Direction: "sideways", Message: []byte(pingJSON)})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Accept(ctx, &AcceptRequest{Destination: "T1", Direction: "to-mobile", Message: []byte(`{"SIN":"sixteen"}`)})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.Accept(ctx, &AcceptRequest{
		Destination: "T1", Direction: "to-mobile",
		Message: []byte(`{"Name":"x","SIN":300,"MIN":1,"Fields":[]}`),
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.GetMessage(ctx, &MessageRequest{ID: "not-a-uuid"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.GetMessage(ctx, &MessageRequest{ID: uuid.Must(uuid.NewV4()).String()})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.Pending(ctx, &PendingRequest{Destination: ""})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAPI_Validate(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := authed(t, "c1")

	ok, err := f.client.Validate(ctx, &ValidateRequest{Direction: "to-mobile", Message: []byte(pingJSON)})
	require.NoError(t, err)
	require.True(t, ok.Valid)
	require.Positive(t, ok.Size)
	require.Equal(t, ogx.MaxSize(ogx.ToMobile), ok.Limit)
	require.Empty(t, ok.Violations)

	bad, err := f.client.Validate(ctx, &ValidateRequest{
		Direction: "from-mobile",
		Message:   []byte(`{"Name":"x","SIN":300,"MIN":0,"Fields":[]}`),
	})
	require.NoError(t, err)
	require.False(t, bad.Valid)
	require.GreaterOrEqual(t, len(bad.Violations), 2)
}

func TestAPI_TokenStatusHidesToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	v, err := f.client.TokenStatus(authed(t, "c1"))
	require.NoError(t, err)
	require.Equal(t, "c1", v.ClientID)
	require.True(t, v.Present)
	require.NotNil(t, v.ExpiresAt)

	v, err = f.client.TokenStatus(authed(t, "c2"))
	require.NoError(t, err)
	require.False(t, v.Present)
}

func TestAPI_RequiresCredentials(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	_, err := f.client.TokenStatus(context.Background())
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = f.client.TokenStatus(authed(t, "c3"))
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}
