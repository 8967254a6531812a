package genderize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":1234,"name":"alex","gender":"male","probability":0.6}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("secret"))

	res, err := c.Lookup(context.Background(), " Alex ")
	require.NoError(t, err)
	assert.Equal(t, Result{Name: "alex", Gender: "male", Probability: 0.6, Count: 1234}, res)
	assert.Equal(t, "apikey=secret&name=alex", gotQuery.Load())
}

func TestLookupFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		body    string
		unknown bool
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `oops`},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"Request limit reached"}`},
		{name: "malformed body", status: http.StatusOK, body: `{"name":`},
		{name: "null gender", status: http.StatusOK, body: `{"count":0,"name":"zzyzx","gender":null,"probability":0}`, unknown: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL).Lookup(context.Background(), "zzyzx")
			require.Error(t, err)
			if tc.unknown {
				assert.ErrorIs(t, err, ErrUnknownName)
			}
		})
	}

	t.Run("empty name", func(t *testing.T) {
		_, err := New("http://127.0.0.1:0").Lookup(context.Background(), "  ")
		assert.Error(t, err)
	})

	t.Run("context deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		c := New(srv.URL, WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
		_, err := c.Lookup(ctx, "alex")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLookupCoalesces(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"count":10,"name":"sam","gender":"female","probability":0.55}`))
	}))
	defer srv.Close()

	c := New(srv.URL)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Lookup(context.Background(), "Sam")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
	for _, res := range results {
		assert.Equal(t, "female", res.Gender)
	}
}

func TestLookupCallerCancelDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"count":10,"name":"sam","gender":"female","probability":0.55}`))
	}))
	defer srv.Close()

	c := New(srv.URL)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Lookup(firstCtx, "Sam")
		first <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := c.Lookup(context.Background(), "sam")
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "female", got.res.Gender)
	assert.EqualValues(t, 1, hits.Load())
}
