package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// notifiedRetention is how long a notified-lesson marker survives. Entries
// older than this are pruned on every membership check.
const notifiedRetention = 24 * time.Hour

// AttendanceRequest is one student's request to be marked present at a
// lesson. Uniqueness is enforced per (lesson, user).
type AttendanceRequest struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FullName  string    `json:"full_name"`
	Timestamp time.Time `json:"timestamp"`
}

// AttendanceMessage records the notification message sent for a lesson plus
// the occurrence metadata downstream flows need (attendance deadlines).
type AttendanceMessage struct {
	MessageID    int       `json:"message_id"`
	LessonName   string    `json:"lesson_name"`
	Subject      string    `json:"subject"`
	LessonStart  time.Time `json:"lesson_start"`
	BreakMinutes int       `json:"break_minutes"`
}

type scheduleDocument struct {
	NotifiedLessons    map[string]time.Time           `json:"notified_lessons"`
	LessonFiles        map[string][]string            `json:"lesson_files"`
	AttendanceMessages map[string]AttendanceMessage   `json:"attendance_messages"`
	AttendanceRequests map[string][]AttendanceRequest `json:"attendance_requests"`
}

// ScheduleStore persists the notification-related state: the notified-lesson
// set, per-lesson file attachments, and attendance requests/messages.
type ScheduleStore struct {
	mu     sync.Mutex
	path   string
	data   scheduleDocument
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduleStore loads (or initializes) the schedule document under dataDir.
func NewScheduleStore(dataDir string, logger *zap.Logger) (*ScheduleStore, error) {
	s := &ScheduleStore{
		path:   filepath.Join(dataDir, "schedule_data.json"),
		now:    time.Now,
		logger: logger,
	}
	if err := loadDocument(s.path, &s.data); err != nil {
		return nil, fmt.Errorf("failed to load schedule store: %w", err)
	}
	s.ensureMaps()
	return s, nil
}

func (s *ScheduleStore) ensureMaps() {
	if s.data.NotifiedLessons == nil {
		s.data.NotifiedLessons = make(map[string]time.Time)
	}
	if s.data.LessonFiles == nil {
		s.data.LessonFiles = make(map[string][]string)
	}
	if s.data.AttendanceMessages == nil {
		s.data.AttendanceMessages = make(map[string]AttendanceMessage)
	}
	if s.data.AttendanceRequests == nil {
		s.data.AttendanceRequests = make(map[string][]AttendanceRequest)
	}
}

// WasNotified reports whether a lesson id is in the notified set. Stale
// entries are pruned first, so a lesson becomes eligible again once the
// retention window elapses.
func (s *ScheduleStore) WasNotified(lessonID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	_, ok := s.data.NotifiedLessons[lessonID]
	return ok
}

// MarkNotified records that a lesson's notification went out.
func (s *ScheduleStore) MarkNotified(lessonID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.NotifiedLessons[lessonID] = s.now()
	s.persistLocked()
}

// ClearNotified empties the notified set. Used by test mode so a replayed
// clock can re-fire notifications.
func (s *ScheduleStore) ClearNotified() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.NotifiedLessons = make(map[string]time.Time)
	s.persistLocked()
}

func (s *ScheduleStore) pruneLocked() {
	cutoff := s.now().Add(-notifiedRetention)
	pruned := false
	for id, at := range s.data.NotifiedLessons {
		if at.Before(cutoff) {
			delete(s.data.NotifiedLessons, id)
			pruned = true
		}
	}
	if pruned {
		s.persistLocked()
	}
}

// AddLessonFiles attaches Telegram file ids to a lesson name, skipping
// duplicates.
func (s *ScheduleStore) AddLessonFiles(lessonName string, fileIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.data.LessonFiles[lessonName]
	for _, id := range fileIDs {
		dup := false
		for _, have := range existing {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, id)
		}
	}
	s.data.LessonFiles[lessonName] = existing
	s.persistLocked()
}

// LessonFiles returns the file ids attached to a lesson, matching stored
// names loosely in either direction so "Физика" finds "ЛК Физика". An exact
// name wins; among loose matches the longest stored name wins, with ties
// broken alphabetically, so the result never depends on map order.
func (s *ScheduleStore) LessonFiles(lessonName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if files, ok := s.data.LessonFiles[lessonName]; ok {
		return append([]string(nil), files...)
	}

	needle := strings.ToLower(lessonName)
	best := ""
	for stored := range s.data.LessonFiles {
		storedLower := strings.ToLower(stored)
		if !strings.Contains(needle, storedLower) && !strings.Contains(storedLower, needle) {
			continue
		}
		if best == "" || len(stored) > len(best) || (len(stored) == len(best) && stored < best) {
			best = stored
		}
	}
	if best == "" {
		return nil
	}
	return append([]string(nil), s.data.LessonFiles[best]...)
}

// RemoveLessonFiles drops all attachments for a lesson name.
func (s *ScheduleStore) RemoveLessonFiles(lessonName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.LessonFiles, lessonName)
	s.persistLocked()
}

// AllLessonFiles returns a copy of the whole attachment map.
func (s *ScheduleStore) AllLessonFiles() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.data.LessonFiles))
	for name, files := range s.data.LessonFiles {
		out[name] = append([]string(nil), files...)
	}
	return out
}

// SaveAttendanceMessage stores (or updates) the notification message record
// for a lesson. The notifier writes it before sending with a zero message id,
// then again with the real id once the send succeeds.
func (s *ScheduleStore) SaveAttendanceMessage(lessonID string, msg AttendanceMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.AttendanceMessages[lessonID] = msg
	s.persistLocked()
}

// GetAttendanceMessage returns the stored message record for a lesson.
func (s *ScheduleStore) GetAttendanceMessage(lessonID string) (AttendanceMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.data.AttendanceMessages[lessonID]
	return msg, ok
}

// AddAttendanceRequest appends a request for a lesson. Returns false without
// mutating when the user already requested attendance for that lesson.
func (s *ScheduleStore) AddAttendanceRequest(lessonID string, req AttendanceRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, have := range s.data.AttendanceRequests[lessonID] {
		if have.UserID == req.UserID {
			return false
		}
	}

	s.data.AttendanceRequests[lessonID] = append(s.data.AttendanceRequests[lessonID], req)
	s.persistLocked()
	return true
}

// AttendanceList returns the ordered requests for a lesson.
func (s *ScheduleStore) AttendanceList(lessonID string) []AttendanceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]AttendanceRequest(nil), s.data.AttendanceRequests[lessonID]...)
}

// ClearAttendanceList drops all requests for a lesson.
func (s *ScheduleStore) ClearAttendanceList(lessonID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.AttendanceRequests, lessonID)
	s.persistLocked()
}

func (s *ScheduleStore) persistLocked() {
	if err := saveDocument(s.path, &s.data); err != nil {
		s.logger.Error("Failed to save schedule store", zap.Error(err))
	}
}
