// Package attendance collects "mark me present" requests from students under
// a lesson notification and relays the roster to the headman.
package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/store"
)

var (
	// ErrUnknownLesson means no notification record exists for the lesson.
	ErrUnknownLesson = errors.New("unknown lesson")
	// ErrNotRegistered means the requesting user has not registered.
	ErrNotRegistered = errors.New("user not registered")
	// ErrAlreadyRequested means the user already asked for this lesson.
	ErrAlreadyRequested = errors.New("attendance already requested")
)

// Store is the slice of the schedule store the service uses.
type Store interface {
	GetAttendanceMessage(lessonID string) (store.AttendanceMessage, bool)
	AddAttendanceRequest(lessonID string, req store.AttendanceRequest) bool
	AttendanceList(lessonID string) []store.AttendanceRequest
	ClearAttendanceList(lessonID string)
}

// Members resolves requesting users and the headman.
type Members interface {
	Member(userID int64) (store.Member, bool)
	Headman() (store.Member, bool)
}

// Messenger is the outbound transport the service needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
	EditMessageMarkup(chatID int64, messageID int, rows [][]telegramclient.Button) error
}

// Service handles attendance requests for notified lessons.
type Service struct {
	store     Store
	members   Members
	messenger Messenger
	groupChat int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires an attendance service.
func NewService(st Store, members Members, messenger Messenger, groupChat int64, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		members:   members,
		messenger: messenger,
		groupChat: groupChat,
		logger:    logger,
		now:       time.Now,
	}
}

// Request records one attendance request. The first request per (user,
// lesson) wins; repeats return ErrAlreadyRequested. On success it refreshes
// the request counter on the lesson notification and forwards the roster to
// the headman. Returns the roster size after the request.
func (s *Service) Request(lessonID string, userID int64, username string) (int, error) {
	msg, ok := s.store.GetAttendanceMessage(lessonID)
	if !ok {
		return 0, ErrUnknownLesson
	}

	member, ok := s.members.Member(userID)
	if !ok {
		return 0, ErrNotRegistered
	}

	req := store.AttendanceRequest{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		FullName:  member.FullName,
		Timestamp: s.now(),
	}
	if !s.store.AddAttendanceRequest(lessonID, req) {
		return len(s.store.AttendanceList(lessonID)), ErrAlreadyRequested
	}

	roster := s.store.AttendanceList(lessonID)
	s.logger.Info("Attendance requested",
		zap.String("lesson_id", lessonID),
		zap.Int64("user_id", userID),
		zap.Int("count", len(roster)))

	s.refreshCounter(lessonID, msg, len(roster))
	s.notifyHeadman(msg, roster)

	return len(roster), nil
}

// Roster returns the current request list for the lesson.
func (s *Service) Roster(lessonID string) []store.AttendanceRequest {
	return s.store.AttendanceList(lessonID)
}

// Clear drops the request list for the lesson.
func (s *Service) Clear(lessonID string) {
	s.store.ClearAttendanceList(lessonID)
}

// refreshCounter rewrites the notification keyboard so the attendance button
// shows how many requests are queued.
func (s *Service) refreshCounter(lessonID string, msg store.AttendanceMessage, count int) {
	if s.groupChat == 0 || msg.MessageID == 0 {
		return
	}

	rows := [][]telegramclient.Button{
		{{Text: fmt.Sprintf("✋ Меня надо отметить на паре (%d)", count), Data: "att:" + lessonID}},
		{{Text: "📝 Добавить ДЗ", Data: "quick_hw:" + lessonID}},
	}
	if err := s.messenger.EditMessageMarkup(s.groupChat, msg.MessageID, rows); err != nil {
		s.logger.Error("Failed to refresh attendance counter", zap.Error(err))
	}
}

func (s *Service) notifyHeadman(msg store.AttendanceMessage, roster []store.AttendanceRequest) {
	headman, ok := s.members.Headman()
	if !ok {
		s.logger.Warn("Attendance roster has no recipient, no headman registered")
		return
	}

	if _, err := s.messenger.SendMessage(headman.UserID, FormatRoster(msg, roster), nil); err != nil {
		s.logger.Error("Failed to forward attendance roster",
			zap.Int64("headman_id", headman.UserID),
			zap.Error(err))
	}
}

// FormatRoster renders the request list for the headman.
func FormatRoster(msg store.AttendanceMessage, roster []store.AttendanceRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("✋ <b>Просят отметить на паре</b>\n\n📚 %s\n🕐 %s\n\n",
		msg.Subject, msg.LessonStart.Format("15:04")))

	for i, req := range roster {
		name := req.FullName
		if name == "" {
			name = "@" + req.Username
		}
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, name))
		if req.FullName != "" && req.Username != "" {
			sb.WriteString(" (@" + req.Username + ")")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("\nВсего: %d", len(roster)))
	return sb.String()
}
