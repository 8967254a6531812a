// Name Odds
//
// A player enters a name, the name-inference service reports which gender the
// name most likely belongs to and how likely, and the player guesses which
// probability bucket the value for a randomly asked gender falls into. Ten
// rounds make a game; a final score above five earns a random recipe.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - Every connection to a game sees the same state, so a friend can watch
// - Names cannot be reused within a game; they can again after "Play again"
// - Name lookups are rate limited per game
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/nameodds/games/genderodds"
	"github.com/Seednode/nameodds/services/genderize"
	"github.com/Seednode/nameodds/services/spoonacular"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`             // "search", "answer", "play_again"
	Name   string `json:"name,omitempty"`   // search
	Bucket string `json:"bucket,omitempty"` // answer
}

// ViewMessage is the full render state of a game, sent after every change.
type ViewMessage struct {
	Type         string              `json:"type"` // "view"
	GameID       string              `json:"game_id"`
	Question     string              `json:"question"`
	Score        int                 `json:"score"`
	Round        int                 `json:"round"`
	TotalRounds  int                 `json:"total_rounds"`
	ShowQuestion bool                `json:"show_question"`
	ShowScore    bool                `json:"show_score"`
	ShowGameOver bool                `json:"show_game_over"`
	ShowReward   bool                `json:"show_reward"`
	Reward       *genderodds.Recipe  `json:"reward,omitempty"`
	Buckets      []genderodds.Bucket `json:"buckets"`
}

// NoticeMessage is user-facing feedback ("Correct!", "Please enter a name.").
type NoticeMessage struct {
	Type    string `json:"type"` // "notice"
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type genderizeInferrer struct {
	client *genderize.Client
}

func (g genderizeInferrer) Infer(ctx context.Context, name string) (genderodds.Inference, error) {
	res, err := g.client.Lookup(ctx, name)
	if err != nil {
		return genderodds.Inference{}, err
	}

	gender, ok := genderodds.ParseGender(res.Gender)
	if !ok {
		return genderodds.Inference{}, fmt.Errorf("genderize: unexpected gender %q", res.Gender)
	}

	return genderodds.Inference{
		Name:        res.Name,
		Gender:      gender,
		Probability: res.Probability,
		Count:       res.Count,
	}, nil
}

type spoonacularRewards struct {
	client *spoonacular.Client
}

func (s spoonacularRewards) RandomRecipe(ctx context.Context) (genderodds.Recipe, error) {
	recipe, err := s.client.RandomRecipe(ctx)
	if err != nil {
		return genderodds.Recipe{}, err
	}

	return genderodds.Recipe{
		Title:          recipe.Title,
		Image:          recipe.Image,
		ReadyInMinutes: recipe.ReadyInMinutes,
	}, nil
}

type gameDeps struct {
	names   genderodds.NameInferrer
	rewards genderodds.RewardSource
	clock   quartz.Clock
}

func newGameDeps(cfg *Config, clock quartz.Clock) gameDeps {
	deps := gameDeps{
		names: genderizeInferrer{
			client: genderize.New(cfg.genderizeURL, genderize.WithAPIKey(cfg.genderizeKey)),
		},
		clock: clock,
	}

	if cfg.recipesKey != "" {
		deps.rewards = spoonacularRewards{
			client: spoonacular.New(cfg.recipesURL, cfg.recipesKey),
		}
	}

	return deps
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

// Hub owns one game and every connection watching it. It is also the
// game's renderer: setters update the shared view and Flush broadcasts it.
type Hub struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	clock  quartz.Clock
	logger *log.Logger

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	events   chan clientEvent

	mu sync.RWMutex

	view       ViewMessage
	notices    []NoticeMessage
	lastActive time.Time

	controller *genderodds.Controller
	limiter    *rate.Limiter
}

func newLookupLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func newHub(ctx context.Context, cfg *Config, gameID string, deps gameDeps) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		id:         gameID,
		ctx:        hubCtx,
		cancel:     cancel,
		clock:      deps.clock,
		logger:     cfg.logger.WithPrefix("guess").With("game", gameID),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		events:     make(chan clientEvent),
		lastActive: deps.clock.Now(),
		limiter:    newLookupLimiter(cfg.lookupRate),
		view: ViewMessage{
			Type:        "view",
			GameID:      gameID,
			TotalRounds: genderodds.TotalRounds,
			Buckets:     genderodds.Buckets(),
		},
	}

	session := genderodds.NewSession(deps.names, deps.rewards,
		genderodds.WithLookupTimeout(cfg.lookupTimeout),
		genderodds.WithRand(mrand.New(mrand.NewSource(deps.clock.Now().UnixNano()))),
	)

	h.controller = genderodds.NewController(session, h, h.logger)
	h.controller.Sync()

	return h
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = h.clock.Now()
			h.clients[c] = true

			// New connections get the current state right away.
			h.sendLocked(c, h.view)
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = h.clock.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.mu.Lock()
			h.lastActive = h.clock.Now()
			h.mu.Unlock()

			h.handleEvent(cfg, ev)
		}
	}
}

func (h *Hub) handleEvent(cfg *Config, ev clientEvent) {
	switch ev.msg.Type {
	case "search":
		if !h.limiter.AllowN(h.clock.Now(), 1) {
			h.Notify(genderodds.Notice{
				Kind:    genderodds.NoticeWarning,
				Message: "Too many lookups. Wait a moment and try again.",
			})
			h.Flush()
			return
		}

		logf(cfg, "GAMES: Player %s searched %q in %s", ev.client.playerID, ev.msg.Name, h.id)

		// Lookups run outside the hub loop so a reset can supersede them.
		h.spawn(func(ctx context.Context) {
			_ = h.controller.SubmitName(ctx, ev.msg.Name)
		})

	case "answer":
		outcome, err := h.controller.SubmitAnswer(ev.msg.Bucket)
		if err != nil {
			return
		}

		if outcome.Finished {
			logf(cfg, "GAMES: Game %s finished with %d/%d", h.id, outcome.Score, genderodds.TotalRounds)
		}

		if outcome.Finished && genderodds.RewardEligible(outcome.Score) {
			h.spawn(func(ctx context.Context) {
				_ = h.controller.ClaimReward(ctx)
			})
		}

	case "play_again":
		if err := h.controller.PlayAgain(); err == nil {
			logf(cfg, "GAMES: Player %s restarted %s", ev.client.playerID, h.id)
		}

	default:
		// ignore unknown types
	}
}

func (h *Hub) spawn(f func(ctx context.Context)) {
	go f(h.ctx)
}

func (h *Hub) SetQuestion(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view.Question = text
}

func (h *Hub) SetScore(score int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view.Score = score
}

func (h *Hub) SetRound(round, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view.Round = round
	h.view.TotalRounds = total
}

func (h *Hub) SetVisible(p genderodds.Panel, visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch p {
	case genderodds.PanelQuestion:
		h.view.ShowQuestion = visible
	case genderodds.PanelScore:
		h.view.ShowScore = visible
	case genderodds.PanelGameOver:
		h.view.ShowGameOver = visible
	case genderodds.PanelReward:
		h.view.ShowReward = visible
	}
}

func (h *Hub) SetReward(r *genderodds.Recipe) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r == nil {
		h.view.Reward = nil
		return
	}
	recipe := *r
	h.view.Reward = &recipe
}

func (h *Hub) Notify(n genderodds.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.notices = append(h.notices, NoticeMessage{
		Type:    "notice",
		Kind:    string(n.Kind),
		Message: n.Message,
	})
}

// Flush sends the view, then any queued notices, to every client.
func (h *Hub) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcastLocked(h.view)
	for _, n := range h.notices {
		h.broadcastLocked(n)
	}
	h.notices = nil
}

// sendLocked assumes h.mu is already held. Clients that cannot keep up are
// dropped.
func (h *Hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

// closeAll stops the game and disconnects all clients of this hub (used by
// reaper).
func (h *Hub) closeAll() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const playerCookieName = "nameodds_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

const gameIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func validGameID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(gameIDLetters, r) {
			return false
		}
	}
	return true
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated game.
type GameManager struct {
	ctx         context.Context
	cfg         *Config
	deps        gameDeps
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newGameManager(ctx context.Context, cfg *Config, deps gameDeps) *GameManager {
	gm := &GameManager{
		ctx:         ctx,
		cfg:         cfg,
		deps:        deps,
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		deps.clock.TickerFunc(ctx, gm.idleTimeout/2, func() error {
			gm.reap()
			return nil
		}, "reaper")
	}
	return gm
}

func (gm *GameManager) getHub(gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gm.ctx, gm.cfg, gameID, gm.deps)
	gm.hubs[gameID] = hub
	go hub.run(gm.cfg)
	return hub
}

func (gm *GameManager) count() int {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return len(gm.hubs)
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = gameIDLetters[int(buf[i])%len(gameIDLetters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reap removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reap() {
	cutoff := gm.deps.clock.Now().Add(-gm.idleTimeout)

	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, hub := range gm.hubs {
		hub.mu.RLock()
		last := hub.lastActive
		hub.mu.RUnlock()

		if last.Before(cutoff) {
			delete(gm.hubs, id)
			go hub.closeAll()
			logf(gm.cfg, "GAMES: Reaped idle game %s", id)
		}
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if !validGameID(gameID) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)

		hub := gm.getHub(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errorf(cfg, "GAMES: Upgrade error for %s: %v", gameID, err)
			return
		}
		conn.SetReadLimit(4096)

		// the server read timeout still applies to the hijacked connection
		_ = conn.SetReadDeadline(time.Time{})

		client := &Client{
			conn:     conn,
			send:     make(chan any, 16),
			playerID: playerID,
		}

		select {
		case hub.register <- client:
		case <-hub.ctx.Done():
			_ = conn.Close()
			return
		}

		logf(cfg, "GAMES: Player %s connected to %s from %s", playerID, gameID, realIP(r))

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case h.events <- clientEvent{client: c, msg: msg}:
		case <-h.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !validGameID(ps.ByName("gameid")) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}

		// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func getIndexHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !validGameID(ps.ByName("gameid")) {
			serveErrorPage(cfg, w, http.StatusNotFound, "That game does not exist. Click to start a new one.")
			return
		}

		data, err := assets.ReadFile("assets/guess/index.html")
		if err != nil {
			errs <- err
			serveErrorPage(cfg, w, http.StatusInternalServerError, "An error has occurred. Please try again.")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		if _, err := w.Write(data); err != nil {
			errs <- err
		}
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerGuessGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerGuessGame(ctx context.Context, cfg *Config, path string, mux *httprouter.Router, deps gameDeps, errs chan<- error) *GameManager {
	gm := newGameManager(ctx, cfg, deps)

	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg, errs))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))

	return gm
}
