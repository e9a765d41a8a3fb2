package chatstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/slasso10/chat-multiple/internal/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrNotMember     = errors.New("not a group member")
	ErrInvalidInput  = errors.New("invalid input")
)

// GroupCreatedPreview is the summary text of a group nobody has written to yet.
const GroupCreatedPreview = "Group created"

const groupIDPrefix = "group_"

// Store persists users, groups and messages.
type Store struct {
	db     *gorm.DB
	nowFn  func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) the sqlite database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, opts...)
}

// New wraps an existing handle and migrates the chat tables.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		nowFn:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(
		&models.UserRecord{},
		&models.GroupRecord{},
		&models.GroupMemberRecord{},
		&models.MessageRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the handle so other stores can share the connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DirectKey is the order-independent key of the conversation between a and b.
func DirectKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// IsGroupID reports whether id names a group.
func IsGroupID(id string) bool {
	return strings.HasPrefix(id, groupIDPrefix)
}

// RegisterUser creates the user or, when it exists, refreshes its name.
// Registering is also how a returning user logs in.
func (s *Store) RegisterUser(ctx context.Context, userID, name string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" {
		return models.User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if IsGroupID(userID) {
		return models.User{}, fmt.Errorf("%w: user id %q is reserved", ErrInvalidInput, userID)
	}
	if name == "" {
		name = userID
	}

	rec := models.UserRecord{ID: userID, Name: name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return models.User{}, fmt.Errorf("register user: %w", err)
	}
	s.logger.Debug("user registered", "user_id", userID)
	return rec.ToUser(), nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var rec models.UserRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return models.User{}, err
	}
	return rec.ToUser(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var recs []models.UserRecord
	if err := s.db.WithContext(ctx).Order("name ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r models.UserRecord, _ int) models.User { return r.ToUser() }), nil
}

// SendDirect stores a message from senderID to recipientID. Exactly one of
// content or audio must be set.
func (s *Store) SendDirect(ctx context.Context, senderID, recipientID, content string, audio *models.Audio) (models.Message, error) {
	if senderID == recipientID {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", ErrInvalidInput)
	}
	sender, err := s.GetUser(ctx, senderID)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := s.GetUser(ctx, recipientID); err != nil {
		return models.Message{}, err
	}
	return s.insertMessage(ctx, sender, DirectKey(senderID, recipientID), recipientID, false, content, audio)
}

// SendGroup stores a message to a group. Only members may write.
func (s *Store) SendGroup(ctx context.Context, senderID, groupID, content string, audio *models.Audio) (models.Message, error) {
	sender, err := s.GetUser(ctx, senderID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.requireMember(ctx, groupID, senderID); err != nil {
		return models.Message{}, err
	}
	return s.insertMessage(ctx, sender, groupID, groupID, true, content, audio)
}

func (s *Store) insertMessage(ctx context.Context, sender models.User, chatKey, chatID string, isGroup bool, content string, audio *models.Audio) (models.Message, error) {
	if audio == nil && strings.TrimSpace(content) == "" {
		return models.Message{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if audio != nil && audio.Data == "" {
		return models.Message{}, fmt.Errorf("%w: audio without data", ErrInvalidInput)
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return models.Message{}, err
	}
	rec := models.MessageRecord{
		ID:         id,
		ChatKey:    chatKey,
		ChatID:     chatID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Content:    content,
		IsGroup:    isGroup,
		Timestamp:  s.nowFn().UnixMilli(),
	}
	if audio != nil {
		rec.Content = ""
		rec.IsAudio = true
		rec.AudioData = audio.Data
		rec.AudioDuration = audio.Duration
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	return rec.ToMessage(), nil
}

// DirectHistory returns the conversation between userID and otherID,
// oldest first.
func (s *Store) DirectHistory(ctx context.Context, userID, otherID string) ([]models.Message, error) {
	return s.history(ctx, DirectKey(userID, otherID))
}

// GroupHistory returns the messages of a group, oldest first. The reader
// must be a member.
func (s *Store) GroupHistory(ctx context.Context, userID, groupID string) ([]models.Message, error) {
	if err := s.requireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	return s.history(ctx, groupID)
}

func (s *Store) history(ctx context.Context, chatKey string) ([]models.Message, error) {
	var recs []models.MessageRecord
	err := s.db.WithContext(ctx).
		Where("chat_key = ?", chatKey).
		Order("timestamp ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r models.MessageRecord, _ int) models.Message { return r.ToMessage() }), nil
}

// DirectChats lists one summary per person userID has exchanged messages
// with, newest first.
func (s *Store) DirectChats(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	var recs []models.MessageRecord
	err := s.db.WithContext(ctx).
		Where("is_group = ? AND (sender_id = ? OR chat_id = ?)", false, userID, userID).
		Order("timestamp DESC, id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	other := func(r models.MessageRecord) string {
		if r.SenderID == userID {
			return r.ChatID
		}
		return r.SenderID
	}
	latest := lo.UniqBy(recs, other)

	names, err := s.userNames(ctx, lo.Map(latest, func(r models.MessageRecord, _ int) string { return other(r) }))
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(latest))
	for _, r := range latest {
		peer := other(r)
		name := names[peer]
		if name == "" {
			name = peer
		}
		out = append(out, models.ConversationSummary{
			ChatID:               peer,
			ChatName:             name,
			LastMessageContent:   r.ToMessage().Preview(),
			LastMessageTimestamp: r.Timestamp,
		})
	}
	return out, nil
}

// GroupChats lists the groups userID belongs to, newest activity first.
func (s *Store) GroupChats(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	var groups []models.GroupRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = chat_groups.id").
		Where("group_members.user_id = ?", userID).
		Find(&groups).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(groups))
	for _, g := range groups {
		sum := groupSummary(g)
		var last models.MessageRecord
		err := s.db.WithContext(ctx).
			Where("chat_key = ?", g.ID).
			Order("timestamp DESC, id DESC").
			Limit(1).
			Find(&last).Error
		if err != nil {
			return nil, err
		}
		if last.ID != "" {
			sum.LastMessageContent = last.ToMessage().Preview()
			sum.LastMessageTimestamp = last.Timestamp
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageTimestamp == out[j].LastMessageTimestamp {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].LastMessageTimestamp > out[j].LastMessageTimestamp
	})
	return out, nil
}

// CreateGroup creates a group owned by ownerID. The owner is always a member;
// duplicate and blank member ids are ignored. It returns the summary and the
// final member list.
func (s *Store) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (models.ConversationSummary, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ConversationSummary{}, nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	members := normalizeIDs(append([]string{ownerID}, memberIDs...))
	if err := s.requireUsers(ctx, members); err != nil {
		return models.ConversationSummary{}, nil, err
	}

	id, err := gonanoid.New(12)
	if err != nil {
		return models.ConversationSummary{}, nil, err
	}
	group := models.GroupRecord{
		ID:        groupIDPrefix + id,
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: s.nowFn().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Members").Create(&group).Error; err != nil {
			return err
		}
		rows := lo.Map(members, func(uid string, _ int) models.GroupMemberRecord {
			return models.GroupMemberRecord{GroupID: group.ID, UserID: uid}
		})
		return tx.Create(&rows).Error
	})
	if err != nil {
		return models.ConversationSummary{}, nil, fmt.Errorf("create group: %w", err)
	}
	s.logger.Info("group created", "group_id", group.ID, "owner_id", ownerID, "members", len(members))
	return groupSummary(group), members, nil
}

// AddMembers adds users to a group on behalf of actorID, who must already be
// a member. It returns the ids that were not members before.
func (s *Store) AddMembers(ctx context.Context, actorID, groupID string, memberIDs []string) ([]string, error) {
	if err := s.requireMember(ctx, groupID, actorID); err != nil {
		return nil, err
	}
	ids := normalizeIDs(memberIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.requireUsers(ctx, ids); err != nil {
		return nil, err
	}

	var added []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&models.GroupMemberRecord{}).
			Where("group_id = ? AND user_id IN ?", groupID, ids).
			Pluck("user_id", &existing).Error; err != nil {
			return err
		}
		added = lo.Without(ids, existing...)
		if len(added) == 0 {
			return nil
		}
		rows := lo.Map(added, func(uid string, _ int) models.GroupMemberRecord {
			return models.GroupMemberRecord{GroupID: groupID, UserID: uid}
		})
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("add members: %w", err)
	}
	return added, nil
}

// Group returns the summary of a group as announced to new members.
func (s *Store) Group(ctx context.Context, groupID string) (models.ConversationSummary, error) {
	g, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	return groupSummary(g), nil
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]models.User, error) {
	if _, err := s.loadGroup(ctx, groupID); err != nil {
		return nil, err
	}
	var recs []models.UserRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.user_id = users.id").
		Where("group_members.group_id = ?", groupID).
		Order("users.name ASC, users.id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r models.UserRecord, _ int) models.User { return r.ToUser() }), nil
}

// MemberIDs returns the ids of everyone in the group.
func (s *Store) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.GroupMemberRecord{}).
		Where("group_id = ?", groupID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.GroupMemberRecord{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&n).Error
	return n > 0, err
}

// PruneMessages deletes messages older than cutoff and reports how many
// went away.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff.UnixMilli()).
		Delete(&models.MessageRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("messages pruned", "count", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}

func (s *Store) loadGroup(ctx context.Context, groupID string) (models.GroupRecord, error) {
	var g models.GroupRecord
	err := s.db.WithContext(ctx).First(&g, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.GroupRecord{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return g, err
}

func (s *Store) requireMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.loadGroup(ctx, groupID); err != nil {
		return err
	}
	ok, err := s.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, userID, groupID)
	}
	return nil
}

func (s *Store) requireUsers(ctx context.Context, ids []string) error {
	var found []string
	if err := s.db.WithContext(ctx).Model(&models.UserRecord{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error; err != nil {
		return err
	}
	if missing := lo.Without(ids, found...); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) userNames(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	var recs []models.UserRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.SliceToMap(recs, func(r models.UserRecord) (string, string) { return r.ID, r.Name }), nil
}

func groupSummary(g models.GroupRecord) models.ConversationSummary {
	return models.ConversationSummary{
		ChatID:               g.ID,
		ChatName:             g.Name,
		IsGroup:              true,
		LastMessageContent:   GroupCreatedPreview,
		LastMessageTimestamp: g.CreatedAt,
	}
}

func normalizeIDs(ids []string) []string {
	trimmed := lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	return lo.Uniq(lo.Compact(trimmed))
}
