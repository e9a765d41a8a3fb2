package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/timeline"
)

const DefaultRefreshDelay = 50 * time.Millisecond

// SummarySource fetches the conversation lists of a user.
type SummarySource interface {
	GetUserDirectChats(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetUserGroupChats(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// Refresher reloads the conversation list in the background. Triggers that
// arrive while a refresh is scheduled collapse into it.
type Refresher struct {
	source  SummarySource
	store   *timeline.Store
	view    View
	delay   time.Duration
	timeout time.Duration
	exec    func(func())
	logger  *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	runs    sync.WaitGroup
}

type RefresherOption func(*Refresher)

func WithRefreshDelay(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithRenderExecutor sets where the view is called from after a scheduled
// refresh. Refresh always renders on the calling goroutine.
func WithRenderExecutor(exec func(func())) RefresherOption {
	return func(r *Refresher) {
		if exec != nil {
			r.exec = exec
		}
	}
}

func WithRefresherLogger(logger *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRefresher(source SummarySource, store *timeline.Store, view View, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		source:  source,
		store:   store,
		view:    view,
		delay:   DefaultRefreshDelay,
		timeout: 10 * time.Second,
		exec:    func(fn func()) { fn() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger schedules a refresh. It never blocks.
func (r *Refresher) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	r.runs.Add(1)
	r.timer = time.AfterFunc(r.delay, func() {
		defer r.runs.Done()
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if merged, _ := r.Fetch(ctx); merged {
			r.exec(r.render)
		}
	})
}

// Refresh fetches both lists and renders the result on the calling
// goroutine. A list that fails to load is logged and skipped.
func (r *Refresher) Refresh(ctx context.Context) error {
	merged, err := r.Fetch(ctx)
	if merged {
		r.render()
	}
	return err
}

// Fetch loads both lists and merges what it got into the store without
// touching the view. It reports whether anything was merged.
func (r *Refresher) Fetch(ctx context.Context) (bool, error) {
	userID := r.store.LocalUserID()
	if userID == "" {
		return false, nil
	}

	var merged []models.ConversationSummary
	direct, errDirect := r.source.GetUserDirectChats(ctx, userID)
	if errDirect != nil {
		r.logger.Warn("refresh direct chats", "user_id", userID, "error", errDirect)
	} else {
		merged = append(merged, direct...)
	}
	groups, errGroups := r.source.GetUserGroupChats(ctx, userID)
	if errGroups != nil {
		r.logger.Warn("refresh group chats", "user_id", userID, "error", errGroups)
	} else {
		merged = append(merged, groups...)
	}
	if errDirect != nil && errGroups != nil {
		return false, errDirect
	}

	// The user may have logged out while the fetch was in flight.
	if r.store.LocalUserID() != userID {
		return false, nil
	}
	r.store.MergeSummaries(merged)
	return true, nil
}

func (r *Refresher) render() {
	r.view.RenderConversationList(r.store.Summaries())
}

// Stop cancels a scheduled refresh and waits for a running one to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil && r.timer.Stop() {
		r.timer = nil
		r.runs.Done()
	}
	r.mu.Unlock()
	r.runs.Wait()
}
