package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/nameodds/games/genderodds"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNames struct{}

// Every name is a coin flip, so bucket B is always right.
func (stubNames) Infer(_ context.Context, name string) (genderodds.Inference, error) {
	return genderodds.Inference{Name: name, Gender: genderodds.Female, Probability: 0.5, Count: 10}, nil
}

type stubRewards struct{}

func (stubRewards) RandomRecipe(context.Context) (genderodds.Recipe, error) {
	return genderodds.Recipe{Title: "Pancakes", Image: "https://img.example/p.jpg", ReadyInMinutes: 20}, nil
}

func testConfig() *Config {
	return &Config{
		bind:           "127.0.0.1",
		genderizeURL:   "https://api.genderize.io",
		lookupTimeout:  time.Second,
		port:           8080,
		recipesURL:     "https://api.spoonacular.com",
		sessionTimeout: 0,
		logger:         log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel}),
	}
}

func testDeps(clock quartz.Clock) gameDeps {
	return gameDeps{
		names:   stubNames{},
		rewards: stubRewards{},
		clock:   clock,
	}
}

func startServer(t *testing.T, cfg *Config, deps gameDeps) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mux, errs := newRouter(ctx, cfg, deps)
	go drainErrors(cfg, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func dialGame(t *testing.T, srv *httptest.Server, gameID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/guess/" + gameID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &head))

	return head.Type, data
}

func nextView(t *testing.T, conn *websocket.Conn, match func(ViewMessage) bool) ViewMessage {
	t.Helper()

	for {
		kind, data := readMessage(t, conn)
		if kind != "view" {
			continue
		}

		var v ViewMessage
		require.NoError(t, json.Unmarshal(data, &v))
		if match(v) {
			return v
		}
	}
}

func nextNotice(t *testing.T, conn *websocket.Conn) NoticeMessage {
	t.Helper()

	for {
		kind, data := readMessage(t, conn)
		if kind != "notice" {
			continue
		}

		var n NoticeMessage
		require.NoError(t, json.Unmarshal(data, &n))
		return n
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func anyView(ViewMessage) bool { return true }

func TestRedirectNewGame(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.prefix = "/odds/"
	srv := startServer(t, cfg, testDeps(quartz.NewReal()))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/odds/guess")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	loc := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(loc, "/odds/guess/"), loc)
	assert.True(t, validGameID(strings.TrimPrefix(loc, "/odds/guess/")))
	assert.Len(t, strings.TrimPrefix(loc, "/odds/guess/"), 8)
}

func TestIndexPage(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig(), testDeps(quartz.NewReal()))

	resp, err := http.Get(srv.URL + "/guess/ABCDEFGH")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<title>Name Odds</title>")
	assert.Contains(t, resp.Header.Get("Set-Cookie"), playerCookieName+"=")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(srv.URL + "/guess/not-a-game!")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQRCode(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig(), testDeps(quartz.NewReal()))

	resp, err := http.Get(srv.URL + "/guess/ABCDEFGH/qr")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "\x89PNG"))

	resp, err = http.Get(srv.URL + "/guess/bad!id/qr")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFullGameOverWebSocket(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig(), testDeps(quartz.NewReal()))
	conn := dialGame(t, srv, "FullGame")

	v := nextView(t, conn, anyView)
	assert.Equal(t, "FullGame", v.GameID)
	assert.Equal(t, 1, v.Round)
	assert.Equal(t, genderodds.TotalRounds, v.TotalRounds)
	assert.False(t, v.ShowQuestion)
	assert.False(t, v.ShowScore)
	require.Len(t, v.Buckets, 4)
	assert.Equal(t, "A", v.Buckets[0].Label)

	for i := 1; i <= genderodds.TotalRounds; i++ {
		name := fmt.Sprintf("Name%d", i)

		send(t, conn, ClientMessage{Type: "search", Name: name})
		v = nextView(t, conn, func(v ViewMessage) bool { return v.ShowQuestion })
		assert.Contains(t, v.Question, "What is the probability that "+name+" is ")
		assert.True(t, v.ShowScore)
		assert.Equal(t, i, v.Round)

		send(t, conn, ClientMessage{Type: "answer", Bucket: "B"})
		n := nextNotice(t, conn)
		assert.Equal(t, "success", n.Kind)
		assert.Contains(t, n.Message, "Correct!")
		if i < genderodds.TotalRounds {
			assert.Contains(t, n.Message, "Enter next search.")
		} else {
			assert.Contains(t, n.Message, "Game over! Your final score is 10/10.")
		}
	}

	v = nextView(t, conn, func(v ViewMessage) bool { return v.ShowReward })
	assert.True(t, v.ShowGameOver)
	assert.Equal(t, 10, v.Score)
	require.NotNil(t, v.Reward)
	assert.Equal(t, "Pancakes", v.Reward.Title)
	assert.Equal(t, 20, v.Reward.ReadyInMinutes)
	assert.Equal(t, "You earned a recipe!", nextNotice(t, conn).Message)

	send(t, conn, ClientMessage{Type: "search", Name: "Late"})
	assert.Contains(t, nextNotice(t, conn).Message, "The game is over.")

	send(t, conn, ClientMessage{Type: "play_again"})
	v = nextView(t, conn, func(v ViewMessage) bool { return !v.ShowGameOver })
	assert.Equal(t, 1, v.Round)
	assert.Equal(t, 0, v.Score)
	assert.False(t, v.ShowReward)
	assert.Nil(t, v.Reward)

	// names may be reused after a reset
	send(t, conn, ClientMessage{Type: "search", Name: "Name1"})
	v = nextView(t, conn, func(v ViewMessage) bool { return v.ShowQuestion })
	assert.Contains(t, v.Question, "Name1")
}

func TestWebSocketErrors(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig(), testDeps(quartz.NewReal()))
	conn := dialGame(t, srv, "Errors")
	nextView(t, conn, anyView)

	send(t, conn, ClientMessage{Type: "search", Name: "   "})
	assert.Equal(t, "Please enter a name.", nextNotice(t, conn).Message)

	send(t, conn, ClientMessage{Type: "answer", Bucket: "A"})
	assert.Equal(t, "Search for a name first.", nextNotice(t, conn).Message)

	send(t, conn, ClientMessage{Type: "search", Name: "Alex"})
	nextView(t, conn, func(v ViewMessage) bool { return v.ShowQuestion })

	send(t, conn, ClientMessage{Type: "answer", Bucket: ""})
	assert.Equal(t, "Please select an option.", nextNotice(t, conn).Message)

	send(t, conn, ClientMessage{Type: "play_again"})
	assert.Equal(t, "Answer the current question first.", nextNotice(t, conn).Message)

	send(t, conn, ClientMessage{Type: "answer", Bucket: "b"})
	assert.Equal(t, "success", nextNotice(t, conn).Kind)

	send(t, conn, ClientMessage{Type: "search", Name: "ALEX"})
	assert.Contains(t, nextNotice(t, conn).Message, "already used")
}

func TestWebSocketSharedGame(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig(), testDeps(quartz.NewReal()))

	first := dialGame(t, srv, "Shared")
	nextView(t, first, anyView)

	send(t, first, ClientMessage{Type: "search", Name: "Robin"})
	nextView(t, first, func(v ViewMessage) bool { return v.ShowQuestion })

	// a late joiner sees the question already on screen
	second := dialGame(t, srv, "Shared")
	v := nextView(t, second, anyView)
	assert.True(t, v.ShowQuestion)
	assert.Contains(t, v.Question, "Robin")

	send(t, second, ClientMessage{Type: "answer", Bucket: "B"})
	v = nextView(t, first, func(v ViewMessage) bool { return !v.ShowQuestion })
	assert.Equal(t, 1, v.Score)
	assert.Equal(t, 2, v.Round)
}

func TestLookupRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.lookupRate = 1
	srv := startServer(t, cfg, testDeps(quartz.NewReal()))

	conn := dialGame(t, srv, "Limited")
	nextView(t, conn, anyView)

	send(t, conn, ClientMessage{Type: "search", Name: "Sam"})
	nextView(t, conn, func(v ViewMessage) bool { return v.ShowQuestion })

	send(t, conn, ClientMessage{Type: "search", Name: "Kim"})
	assert.Contains(t, nextNotice(t, conn).Message, "Too many lookups")
}

func TestGameManagerReapsIdleGames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mClock := quartz.NewMock(t)
	cfg := testConfig()
	cfg.sessionTimeout = 10 * time.Minute

	gm := newGameManager(ctx, cfg, testDeps(mClock))
	hub := gm.getHub("Idle")
	require.Equal(t, 1, gm.count())

	mClock.Advance(5 * time.Minute).MustWait(ctx)
	mClock.Advance(5 * time.Minute).MustWait(ctx)
	assert.Equal(t, 1, gm.count())

	mClock.Advance(5 * time.Minute).MustWait(ctx)
	assert.Equal(t, 0, gm.count())

	require.Eventually(t, func() bool {
		return hub.ctx.Err() != nil
	}, time.Second, 10*time.Millisecond)

	assert.NotSame(t, hub, gm.getHub("Idle"))
}

func TestNewGameDeps(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":1200,"name":"` + r.URL.Query().Get("name") + `","gender":"female","probability":0.98}`))
	}))
	defer api.Close()

	cfg := testConfig()
	cfg.genderizeURL = api.URL

	deps := newGameDeps(cfg, quartz.NewReal())
	assert.Nil(t, deps.rewards)

	inf, err := deps.names.Infer(context.Background(), "jane")
	require.NoError(t, err)
	assert.Equal(t, genderodds.Inference{Name: "jane", Gender: genderodds.Female, Probability: 0.98, Count: 1200}, inf)

	cfg.recipesKey = "secret"
	assert.NotNil(t, newGameDeps(cfg, quartz.NewReal()).rewards)
}

func TestValidGameID(t *testing.T) {
	t.Parallel()

	assert.True(t, validGameID("abcXYZ09"))
	assert.False(t, validGameID(""))
	assert.False(t, validGameID("has space"))
	assert.False(t, validGameID("dash-ed"))
	assert.False(t, validGameID(strings.Repeat("a", 33)))
}
