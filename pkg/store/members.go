package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role is a member's rank within the group. The top three ranks are
// privileged: at most one member holds each at a time.
type Role string

const (
	RoleHeadman        Role = "Староста"
	RoleDeputyHeadman  Role = "Зам старосты"
	RoleUnionOrganizer Role = "Профорг"
	RoleParticipant    Role = "Участник"
	RoleGuest          Role = "Гость"
)

// AllRoles lists roles in rank order, highest first.
var AllRoles = []Role{RoleHeadman, RoleDeputyHeadman, RoleUnionOrganizer, RoleParticipant, RoleGuest}

// Privileged reports whether the role is single-holder.
func (r Role) Privileged() bool {
	return r == RoleHeadman || r == RoleDeputyHeadman || r == RoleUnionOrganizer
}

// Valid reports whether the role is one of the known ranks.
func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// CategoryOrder lists subscription keys in display order.
var CategoryOrder = []string{"bot_updates", "control_works", "homework", "proforg", "schedule_changes"}

// NotificationCategories maps subscription keys to their display titles.
var NotificationCategories = map[string]string{
	"bot_updates":      "Обновление бота",
	"control_works":    "Новые контрольные мероприятия",
	"homework":         "Новые домашки",
	"proforg":          "Профорг",
	"schedule_changes": "Изменения в расписании",
}

// DefaultNotifications returns the subscription flags a new member starts
// with: everything enabled.
func DefaultNotifications() map[string]bool {
	flags := make(map[string]bool, len(NotificationCategories))
	for key := range NotificationCategories {
		flags[key] = true
	}
	return flags
}

// Member is one registered group member.
type Member struct {
	UserID        int64           `json:"user_id"`
	Username      string          `json:"telegram_username,omitempty"`
	FullName      string          `json:"full_name"`
	BirthDate     string          `json:"birth_date"` // DD.MM.YYYY
	Notifications map[string]bool `json:"notifications"`
	Role          Role            `json:"role"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

type membersDocument struct {
	Members map[int64]*Member `json:"members"`
}

// MemberStore persists the member registry as a JSON document.
type MemberStore struct {
	mu     sync.Mutex
	path   string
	data   membersDocument
	logger *zap.Logger
}

// NewMemberStore loads (or initializes) the members document under dataDir.
func NewMemberStore(dataDir string, logger *zap.Logger) (*MemberStore, error) {
	s := &MemberStore{
		path:   filepath.Join(dataDir, "group_data.json"),
		data:   membersDocument{Members: make(map[int64]*Member)},
		logger: logger,
	}
	if err := loadDocument(s.path, &s.data); err != nil {
		return nil, fmt.Errorf("failed to load member store: %w", err)
	}
	if s.data.Members == nil {
		s.data.Members = make(map[int64]*Member)
	}
	return s, nil
}

// Member returns a copy of the record for the given user id.
func (s *MemberStore) Member(userID int64) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data.Members[userID]
	if !ok {
		return Member{}, false
	}
	return cloneMember(m), true
}

// IsRegistered reports whether the user has a record.
func (s *MemberStore) IsRegistered(userID int64) bool {
	_, ok := s.Member(userID)
	return ok
}

// Add creates or replaces a member record. New members arrive with the base
// participant rank or the guest rank; role changes go through SetRole.
func (s *MemberStore) Add(m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Role == "" {
		m.Role = RoleParticipant
	}
	if m.Notifications == nil {
		m.Notifications = DefaultNotifications()
	}
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = time.Now()
	}

	s.data.Members[m.UserID] = &m
	return s.persist()
}

// SetFullName updates a member's display name.
func (s *MemberStore) SetFullName(userID int64, fullName string) error {
	return s.update(userID, func(m *Member) { m.FullName = fullName })
}

// SetBirthDate updates a member's birth date (DD.MM.YYYY, validated by the
// caller).
func (s *MemberStore) SetBirthDate(userID int64, birthDate string) error {
	return s.update(userID, func(m *Member) { m.BirthDate = birthDate })
}

// SetNotification flips one subscription flag.
func (s *MemberStore) SetNotification(userID int64, category string, enabled bool) error {
	return s.update(userID, func(m *Member) {
		if m.Notifications == nil {
			m.Notifications = DefaultNotifications()
		}
		m.Notifications[category] = enabled
	})
}

// SetAllNotifications enables or disables every subscription flag.
func (s *MemberStore) SetAllNotifications(userID int64, enabled bool) error {
	return s.update(userID, func(m *Member) {
		if m.Notifications == nil {
			m.Notifications = DefaultNotifications()
		}
		for key := range m.Notifications {
			m.Notifications[key] = enabled
		}
	})
}

// SetRole assigns a role. Assigning a privileged role demotes any current
// holder to the base participant rank, keeping the single-holder invariant.
func (s *MemberStore) SetRole(userID int64, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data.Members[userID]
	if !ok {
		return fmt.Errorf("member %d not found", userID)
	}

	if role.Privileged() {
		for id, other := range s.data.Members {
			if id != userID && other.Role == role {
				other.Role = RoleParticipant
				s.logger.Info("Demoted previous role holder",
					zap.Int64("user_id", id),
					zap.String("role", string(role)))
			}
		}
	}

	m.Role = role
	return s.persist()
}

// Members returns copies of all records, ordered by registration time.
func (s *MemberStore) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Member, 0, len(s.data.Members))
	for _, m := range s.data.Members {
		out = append(out, cloneMember(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// MembersByRole returns the current holders of a role, ordered by
// registration time. Privileged roles have at most one holder.
func (s *MemberStore) MembersByRole(role Role) []Member {
	var out []Member
	for _, m := range s.Members() {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Headman returns the current headman, if one is registered.
func (s *MemberStore) Headman() (Member, bool) {
	holders := s.MembersByRole(RoleHeadman)
	if len(holders) == 0 {
		return Member{}, false
	}
	return holders[0], true
}

func (s *MemberStore) update(userID int64, fn func(*Member)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data.Members[userID]
	if !ok {
		return fmt.Errorf("member %d not found", userID)
	}
	fn(m)
	return s.persist()
}

func (s *MemberStore) persist() error {
	if err := saveDocument(s.path, &s.data); err != nil {
		return fmt.Errorf("failed to save member store: %w", err)
	}
	return nil
}

func cloneMember(m *Member) Member {
	cp := *m
	if m.Notifications != nil {
		cp.Notifications = make(map[string]bool, len(m.Notifications))
		for k, v := range m.Notifications {
			cp.Notifications[k] = v
		}
	}
	return cp
}
