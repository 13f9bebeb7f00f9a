package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client(), zaptest.NewLogger(t))
}

func TestAcquireToken_OK(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathToken, r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "70000001", r.PostForm.Get("client_id"))
		require.Equal(t, "secret", r.PostForm.Get("client_secret"))
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "3600", r.PostForm.Get("expires_in"))
		_, _ = io.WriteString(w, `{"access_token":"abc","token_type":"bearer","expires_in":3600}`)
	})

	g, err := c.AcquireToken(context.Background(), "70000001", "secret", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "abc", g.AccessToken)
	require.Equal(t, time.Hour, g.ExpiresIn)
}

func TestAcquireToken_BadCredentials(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		})
		_, err := c.AcquireToken(context.Background(), "c", "wrong", 0)
		require.ErrorIs(t, err, ogx.ErrAuthentication, "HTTP %d", code)
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
}

func TestAcquireToken_MissingToken(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"token_type":"bearer"}`)
	})
	_, err := c.AcquireToken(context.Background(), "c", "s", 0)
	require.ErrorIs(t, err, ogx.ErrEncoding)
}

func TestSubmit_OK(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathSubmit, r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var subs []convert.Submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&subs))
		require.Len(t, subs, 1)
		require.Equal(t, "01008988SKY5909", subs[0].DestinationID)
		require.Equal(t, 1, subs[0].TransportType)
		_, _ = io.WriteString(w, `{"ErrorID":0,"Submissions":[{"ForwardMessageID":10798,"DestinationID":"01008988SKY5909","ErrorID":0}]}`)
	})

	st := &model.MessageState{Destination: "01008988SKY5909", Message: ogx.Message{Name: "ping", SIN: 16, MIN: 1}}
	id, err := c.Submit(context.Background(), "tok", convert.ToSubmission(st, model.TransportSatellite))
	require.NoError(t, err)
	require.Equal(t, "10798", id)
}

func TestSubmit_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, nil, "", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrAuthentication)
		}},
		{"throttled", http.StatusTooManyRequests, map[string]string{"Retry-After": "30"}, "", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrRateLimit)
			require.ErrorIs(t, err, errs.ErrRateLimited)
			var e *ogx.Error
			require.True(t, errors.As(err, &e))
			require.Equal(t, 30*time.Second, e.RetryAfter)
		}},
		{"unavailable", http.StatusServiceUnavailable, nil, "", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrRateLimit)
		}},
		{"server error", http.StatusBadGateway, nil, "", func(t *testing.T, err error) {
			require.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
		}},
		{"garbage", http.StatusOK, nil, "<html>", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrEncoding)
		}},
		{"token expired id", http.StatusOK, nil, `{"ErrorID":24583}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrAuthentication)
			require.ErrorIs(t, err, errs.ErrUnauthorized)
		}},
		{"submit rate id", http.StatusOK, nil, `{"ErrorID":0,"Submissions":[{"ErrorID":24579}]}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrRateLimit)
		}},
		{"field rejected id", http.StatusOK, nil, `{"ErrorID":0,"Submissions":[{"ErrorID":24591}]}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrFieldValidation)
		}},
		{"unknown id", http.StatusOK, nil, `{"ErrorID":1}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrProtocol)
			var e *ogx.Error
			require.True(t, errors.As(err, &e))
			require.Equal(t, ogx.CodeGatewayRejected, e.Code)
		}},
		{"empty submissions", http.StatusOK, nil, `{"ErrorID":0,"Submissions":[]}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ogx.ErrEncoding)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.Submit(context.Background(), "tok", convert.Submission{DestinationID: "T1"})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestSubmit_ContextTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, "tok", convert.Submission{DestinationID: "T1"})
	require.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatuses_OK(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathStatuses, r.URL.Path)
		require.Equal(t, "1,2", r.URL.Query().Get("ForwardIDs"))
		_, _ = io.WriteString(w, `{"ErrorID":0,"Statuses":[
			{"ForwardMessageID":1,"State":1,"StateUTC":"2026-01-01 00:00:00","Transport":2},
			{"ForwardMessageID":2,"State":4,"StateUTC":"2026-01-01 00:00:00"}]}`)
	})

	out, err := c.Statuses(context.Background(), "tok", []string{"1", "2"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.OutcomeDelivered, out[0].Outcome)
	require.Equal(t, model.TransportCellular, out[0].Transport)
	require.Equal(t, model.OutcomeExpired, out[1].Outcome)
}

func TestStatuses_TooManyIDs(t *testing.T) {
	t.Parallel()
	c := New("http://127.0.0.1:1", nil, nil)
	ids := make([]string, ogx.MaxStatusIDs+1)
	for i := range ids {
		ids[i] = "1"
	}
	_, err := c.Statuses(context.Background(), "tok", ids)
	require.ErrorIs(t, err, ogx.ErrFilterValidation)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	require.Zero(t, RetryAfter(h))
	h.Set("Retry-After", "12")
	require.Equal(t, 12*time.Second, RetryAfter(h))
	h.Set("Retry-After", "soon")
	require.Zero(t, RetryAfter(h))
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	d := RetryAfter(h)
	require.True(t, d > 58*time.Minute && d <= time.Hour, "got %v", d)
	require.Zero(t, RetryAfter(nil))
}
