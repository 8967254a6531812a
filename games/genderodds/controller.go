package genderodds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

type Panel string

const (
	PanelQuestion Panel = "question"
	PanelScore    Panel = "score"
	PanelGameOver Panel = "game_over"
	PanelReward   Panel = "reward"
)

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

// Renderer reflects game state to the player. Setters may be buffered until
// Flush.
type Renderer interface {
	SetQuestion(text string)
	SetScore(score int)
	SetRound(round, total int)
	SetVisible(p Panel, visible bool)
	SetReward(r *Recipe)
	Notify(n Notice)
	Flush()
}

// Controller turns player actions into session operations and renderer
// updates. Renders are serialized and drawn from the session at render time.
type Controller struct {
	mu sync.Mutex

	session *Session
	view    Renderer
	logger  *log.Logger
}

func NewController(session *Session, view Renderer, logger *log.Logger) *Controller {
	return &Controller{
		session: session,
		view:    view,
		logger:  logger,
	}
}

func (c *Controller) Session() *Session {
	return c.session
}

// Sync renders the whole session state.
func (c *Controller) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncLocked()
}

func (c *Controller) syncLocked() {
	st := c.session.Snapshot()

	question := ""
	if st.Pending != nil {
		question = st.Pending.Question()
	}

	c.view.SetQuestion(question)
	c.view.SetScore(st.Score)
	c.view.SetRound(st.Round, TotalRounds)
	c.view.SetVisible(PanelQuestion, st.Pending != nil)
	c.view.SetVisible(PanelScore, st.Round > 1 || st.Pending != nil || st.Over)
	c.view.SetVisible(PanelGameOver, st.Over)
	c.view.SetReward(st.Reward)
	c.view.SetVisible(PanelReward, st.Reward != nil)
	c.view.Flush()
}

// SubmitName looks up a name outside the render lock, then renders the
// session as it stands once the lookup is done.
func (c *Controller) SubmitName(ctx context.Context, raw string) error {
	_, err := c.session.StartInquiry(ctx, raw)
	if errors.Is(err, ErrSuperseded) {
		c.logger.Debug("Dropped stale name lookup", "name", raw)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Debug("Name lookup rejected", "name", raw, "err", err)
		c.view.Notify(noticeFor(err))
		c.view.Flush()
		return err
	}

	c.syncLocked()

	return nil
}

// SubmitAnswer grades the pending question. A finished game with an
// eligible score still needs ClaimReward.
func (c *Controller) SubmitAnswer(label string) (RoundOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	answer, outcome, err := c.session.SubmitAnswer(label)
	if err != nil {
		c.view.Notify(noticeFor(err))
		c.view.Flush()
		return RoundOutcome{}, err
	}

	verdict, kind := "Incorrect!", NoticeWarning
	if answer.Correct {
		verdict, kind = "Correct!", NoticeSuccess
	}
	detail := fmt.Sprintf("%s The answer was %.0f%% (%s).", verdict, answer.Actual, answer.Expected.Caption)

	c.view.SetQuestion("")
	c.view.SetVisible(PanelQuestion, false)
	c.view.SetScore(outcome.Score)

	if !outcome.Finished {
		c.view.SetRound(outcome.Round, TotalRounds)
		c.view.Notify(Notice{Kind: kind, Message: detail + " Enter next search."})
		c.view.Flush()
		return outcome, nil
	}

	c.view.SetVisible(PanelGameOver, true)
	c.view.Notify(Notice{
		Kind:    kind,
		Message: fmt.Sprintf("%s Game over! Your final score is %d/%d.", detail, outcome.Score, TotalRounds),
	})
	c.view.Flush()

	return outcome, nil
}

// ClaimReward fetches and shows the recipe for a finished game. Scores at or
// below RewardThreshold render nothing.
func (c *Controller) ClaimReward(ctx context.Context) error {
	recipe, err := c.session.ClaimReward(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case errors.Is(err, ErrSuperseded):
		return nil
	case err != nil:
		c.logger.Warn("Reward lookup failed", "err", err)
		c.view.Notify(noticeFor(err))
		c.view.Flush()
		return err
	case recipe == nil:
		return nil
	}

	// a reset may have landed while the recipe was being fetched
	if c.session.Snapshot().Reward == nil {
		return nil
	}

	c.view.SetReward(recipe)
	c.view.SetVisible(PanelReward, true)
	c.view.Notify(Notice{Kind: NoticeSuccess, Message: "You earned a recipe!"})
	c.view.Flush()

	return nil
}

func (c *Controller) PlayAgain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.session.Reset(); err != nil {
		c.view.Notify(noticeFor(err))
		c.view.Flush()
		return err
	}

	c.view.SetQuestion("")
	c.view.SetScore(0)
	c.view.SetRound(1, TotalRounds)
	c.view.SetVisible(PanelQuestion, false)
	c.view.SetVisible(PanelScore, false)
	c.view.SetVisible(PanelGameOver, false)
	c.view.SetVisible(PanelReward, false)
	c.view.SetReward(nil)
	c.view.Notify(Notice{Kind: NoticeInfo, Message: "New game! Enter a name to begin."})
	c.view.Flush()

	return nil
}

func noticeFor(err error) Notice {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return Notice{Kind: NoticeWarning, Message: "Please enter a name."}
	case errors.Is(err, ErrDuplicateName):
		return Notice{Kind: NoticeWarning, Message: "That name was already used this game. Try another one."}
	case errors.Is(err, ErrInvalidSelection):
		return Notice{Kind: NoticeWarning, Message: "Please select an option."}
	case errors.Is(err, ErrQuestionPending):
		return Notice{Kind: NoticeWarning, Message: "Answer the current question first."}
	case errors.Is(err, ErrNoQuestion):
		return Notice{Kind: NoticeWarning, Message: "Search for a name first."}
	case errors.Is(err, ErrLookupInFlight):
		return Notice{Kind: NoticeWarning, Message: "Still waiting on the last lookup."}
	case errors.Is(err, ErrGameOver):
		return Notice{Kind: NoticeWarning, Message: "The game is over. Press Play again to start a new one."}
	case errors.Is(err, ErrRewardUnavailable):
		return Notice{Kind: NoticeInfo, Message: "Your score stands, but no recipe could be fetched right now."}
	case errors.Is(err, ErrLookupFailed):
		return Notice{Kind: NoticeError, Message: "Failed to fetch name data. Please try again."}
	}
	return Notice{Kind: NoticeError, Message: "Something went wrong. Please try again."}
}
