package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/slasso10/chat-multiple/internal/models"
)

// DefaultReconcileWindow bounds how far a confirmed message's timestamp may
// drift from the optimistic copy it replaces.
const DefaultReconcileWindow = 30 * time.Second

// Store holds the conversation list and the active conversation's timeline
// for one logged in user.
type Store struct {
	mu          sync.RWMutex
	localUserID string
	window      time.Duration

	active    *models.ActiveConversation
	summaries []models.ConversationSummary
	users     []models.User
}

type Option func(*Store)

func WithReconcileWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

func New(localUserID string, opts ...Option) *Store {
	s := &Store{
		localUserID: localUserID,
		window:      DefaultReconcileWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) LocalUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUserID
}

// Reset switches the store to another user and forgets everything.
func (s *Store) Reset(localUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = localUserID
	s.active = nil
	s.summaries = nil
	s.users = nil
}

// SetActiveConversation replaces the active view with an empty timeline.
func (s *Store) SetActiveConversation(id, name string, isGroup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &models.ActiveConversation{
		ID:       id,
		Name:     name,
		IsGroup:  isGroup,
		Messages: []models.Message{},
	}
}

func (s *Store) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// Active returns a copy of the active conversation.
func (s *Store) Active() (models.ActiveConversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return models.ActiveConversation{}, false
	}
	out := *s.active
	out.Messages = append([]models.Message(nil), s.active.Messages...)
	return out, true
}

// SetActiveMessages loads history into the active timeline. Messages are
// deduplicated by id and sorted ascending.
func (s *Store) SetActiveMessages(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	withID := lo.UniqBy(lo.Filter(msgs, func(m models.Message, _ int) bool { return m.ID != "" }),
		func(m models.Message) string { return m.ID })
	withoutID := lo.Filter(msgs, func(m models.Message, _ int) bool { return m.ID == "" })
	list := append(withID, withoutID...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })
	s.active.Messages = list
}

// AppendMessage records msg and reports whether the active timeline changed.
//
// A message whose id is already present is ignored. A confirmed message that
// matches a pending optimistic entry replaces it in place. Either way the
// conversation summary moves to the message's content and time.
func (s *Store) AppendMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := msg.ConversationFor(s.localUserID)
	changed := false
	if s.active != nil && s.active.ID == conv {
		changed = s.insertLocked(msg)
	}
	s.touchSummaryLocked(conv, msg)
	return changed
}

func (s *Store) insertLocked(msg models.Message) bool {
	msgs := s.active.Messages

	if msg.ID != "" {
		if _, ok := lo.Find(msgs, func(m models.Message) bool { return m.ID == msg.ID }); ok {
			return false
		}
	}

	if !msg.Pending {
		if i := s.matchPendingLocked(msg); i >= 0 {
			confirmed := msg
			confirmed.TempID = msgs[i].TempID
			confirmed.Pending = false
			confirmed.Failed = false
			msgs[i] = confirmed
			sort.SliceStable(msgs, func(a, b int) bool { return msgs[a].Timestamp < msgs[b].Timestamp })
			return true
		}
	} else if msg.TempID != "" {
		if _, ok := lo.Find(msgs, func(m models.Message) bool { return m.TempID == msg.TempID }); ok {
			return false
		}
	}

	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp > msg.Timestamp })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.active.Messages = msgs
	return true
}

// matchPendingLocked finds the optimistic entry a confirmed message stands
// for: same temp id, or same sender and content within the reconcile window.
func (s *Store) matchPendingLocked(msg models.Message) int {
	msgs := s.active.Messages
	if msg.TempID != "" {
		if _, i, ok := lo.FindIndexOf(msgs, func(m models.Message) bool { return m.TempID == msg.TempID && m.ID == "" }); ok {
			return i
		}
	}
	window := s.window.Milliseconds()
	_, i, ok := lo.FindIndexOf(msgs, func(m models.Message) bool {
		if !m.Pending && !m.Failed {
			return false
		}
		if m.ID != "" || m.SenderID != msg.SenderID || !m.SameContent(msg) {
			return false
		}
		d := m.Timestamp - msg.Timestamp
		if d < 0 {
			d = -d
		}
		return d <= window
	})
	if !ok {
		return -1
	}
	return i
}

// MarkFailed flags an optimistic entry whose send failed. The entry stays
// in the timeline.
func (s *Store) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || tempID == "" {
		return false
	}
	for i := range s.active.Messages {
		m := &s.active.Messages[i]
		if m.TempID == tempID && m.ID == "" {
			m.Pending = false
			m.Failed = true
			return true
		}
	}
	return false
}

func (s *Store) touchSummaryLocked(conv string, msg models.Message) {
	idx := lo.IndexOf(lo.Map(s.summaries, func(c models.ConversationSummary, _ int) string { return c.ChatID }), conv)
	if idx >= 0 {
		cur := &s.summaries[idx]
		if msg.Timestamp < cur.LastMessageTimestamp {
			return
		}
		cur.LastMessageContent = msg.Preview()
		cur.LastMessageTimestamp = msg.Timestamp
	} else {
		s.summaries = append(s.summaries, models.ConversationSummary{
			ChatID:               conv,
			ChatName:             s.nameForLocked(conv, msg),
			IsGroup:              msg.IsGroup,
			LastMessageContent:   msg.Preview(),
			LastMessageTimestamp: msg.Timestamp,
		})
	}
	sortSummaries(s.summaries)
}

func (s *Store) nameForLocked(conv string, msg models.Message) string {
	if s.active != nil && s.active.ID == conv && s.active.Name != "" {
		return s.active.Name
	}
	if u, ok := lo.Find(s.users, func(u models.User) bool { return u.ID == conv }); ok && u.Name != "" {
		return u.Name
	}
	if !msg.IsGroup && msg.SenderID == conv && msg.SenderName != "" {
		return msg.SenderName
	}
	return conv
}

// UpsertSummary inserts or replaces the summary for sum.ChatID.
func (s *Store) UpsertSummary(sum models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = lo.Reject(s.summaries, func(c models.ConversationSummary, _ int) bool { return c.ChatID == sum.ChatID })
	s.summaries = append(s.summaries, sum)
	sortSummaries(s.summaries)
}

// SetChats replaces the conversation list.
func (s *Store) SetChats(list []models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.ConversationSummary(nil), list...)
	sortSummaries(out)
	s.summaries = lo.UniqBy(out, func(c models.ConversationSummary) string { return c.ChatID })
}

// MergeSummaries folds list into the conversation list. For each
// conversation the entry with the later last message wins; ties go to the
// incoming entry.
func (s *Store) MergeSummaries(list []models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := lo.SliceToMap(s.summaries, func(c models.ConversationSummary) (string, models.ConversationSummary) {
		return c.ChatID, c
	})
	for _, in := range list {
		cur, ok := byID[in.ChatID]
		if ok && cur.LastMessageTimestamp > in.LastMessageTimestamp {
			if in.ChatName != "" {
				cur.ChatName = in.ChatName
				byID[in.ChatID] = cur
			}
			continue
		}
		byID[in.ChatID] = in
	}
	s.summaries = lo.Values(byID)
	sortSummaries(s.summaries)
}

// Summaries returns the conversation list, most recent first.
func (s *Store) Summaries() []models.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ConversationSummary(nil), s.summaries...)
}

func (s *Store) SetUsers(users []models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append([]models.User(nil), users...)
}

func (s *Store) Users() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.User(nil), s.users...)
}

// OtherUsers returns every known user except the local one.
func (s *Store) OtherUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(s.users, func(u models.User, _ int) bool { return u.ID != s.localUserID })
}

// UserName resolves a user id to a display name, falling back to the id.
func (s *Store) UserName(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := lo.Find(s.users, func(u models.User) bool { return u.ID == id }); ok && u.Name != "" {
		return u.Name
	}
	return id
}

func sortSummaries(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LastMessageTimestamp != list[j].LastMessageTimestamp {
			return list[i].LastMessageTimestamp > list[j].LastMessageTimestamp
		}
		return list[i].ChatID < list[j].ChatID
	})
}
