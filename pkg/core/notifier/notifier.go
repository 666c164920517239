// Package notifier implements the lesson notification loop: every poll
// interval it re-fetches the expanded schedule, matches upcoming lessons
// against their notify offset, and fires each notification at most once per
// retention window via the notified-set store.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

const (
	// longBreakNotifyMinutes is the earlier offset used when a long break
	// precedes the lesson.
	longBreakNotifyMinutes = 30

	// A preceding break of 25-35 minutes counts as long.
	longBreakMin = 25
	longBreakMax = 35

	// toleranceMinutes widens the offset match window on both sides so a
	// 60-second poll interval observes every lesson at least once.
	toleranceMinutes = 1
)

// Source produces the expanded lesson list for the horizon.
type Source interface {
	Fetch(ctx context.Context) ([]schedule.Lesson, error)
}

// Store is the slice of the schedule store the notifier mutates.
type Store interface {
	WasNotified(lessonID string) bool
	MarkNotified(lessonID string)
	ClearNotified()
	SaveAttendanceMessage(lessonID string, msg store.AttendanceMessage)
	LessonFiles(lessonName string) []string
}

// Messenger is the outbound transport the notifier needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
	SendDocumentGroup(chatID int64, fileIDs []string, replyTo int) error
}

// PresenceAsker starts a presence check with the responsible member when a
// lesson notification fires.
type PresenceAsker interface {
	AskPresence(ctx context.Context, lessonID, lessonName, lessonTime string)
}

// Options configures a Notifier.
type Options struct {
	Source        Source
	Store         Store
	Messenger     Messenger
	Presence      PresenceAsker // optional
	ChatID        int64
	Location      *time.Location
	Interval      time.Duration
	NotifyMinutes int
	TestMode      bool
	Logger        *zap.Logger
}

// Notifier runs the polling loop.
type Notifier struct {
	source        Source
	store         Store
	messenger     Messenger
	presence      PresenceAsker
	chatID        int64
	loc           *time.Location
	interval      time.Duration
	notifyMinutes int
	testMode      bool
	logger        *zap.Logger

	mu       sync.Mutex
	testTime time.Time
}

// New creates a notifier; it does not start the loop.
func New(opts Options) *Notifier {
	return &Notifier{
		source:        opts.Source,
		store:         opts.Store,
		messenger:     opts.Messenger,
		presence:      opts.Presence,
		chatID:        opts.ChatID,
		loc:           opts.Location,
		interval:      opts.Interval,
		notifyMinutes: opts.NotifyMinutes,
		testMode:      opts.TestMode,
		logger:        opts.Logger,
	}
}

// SetTestTime freezes the loop's clock at the given instant and clears the
// notified set so a scenario can be replayed. Only honored in test mode.
func (n *Notifier) SetTestTime(t time.Time) {
	if !n.testMode {
		n.logger.Warn("Test time can only be set in test mode")
		return
	}

	n.mu.Lock()
	n.testTime = t
	n.mu.Unlock()

	n.store.ClearNotified()
	n.logger.Info("Test time set, notified set cleared", zap.Time("test_time", t))
}

func (n *Notifier) currentTime() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.testMode && !n.testTime.IsZero() {
		return n.testTime
	}
	return time.Now().In(n.loc)
}

// Run executes the polling loop until the context is cancelled. A failed
// cycle is logged and skipped; the next tick retries from scratch.
func (n *Notifier) Run(ctx context.Context) {
	if n.chatID == 0 && !n.testMode {
		n.logger.Warn("Notification chat id not configured, lesson notifications disabled")
		return
	}
	if n.chatID == 0 {
		n.logger.Warn("Notification chat id not configured, test mode active")
	}

	n.logger.Info("Lesson notification loop started",
		zap.Duration("interval", n.interval),
		zap.Int("notify_minutes", n.notifyMinutes))

	for {
		if err := n.tick(ctx); err != nil {
			n.logger.Error("Notification cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			n.logger.Info("Lesson notification loop stopped")
			return
		case <-time.After(n.interval):
		}
	}
}

// tick is one poll cycle: fetch, expand, match, fire.
func (n *Notifier) tick(ctx context.Context) error {
	now := n.currentTime()
	n.logger.Debug("Checking schedule", zap.Time("now", now))

	lessons, err := n.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch schedule: %w", err)
	}

	today := schedule.LessonsOn(lessons, now)
	n.logger.Debug("Lessons today", zap.Int("count", len(today)))

	for i, lesson := range today {
		notifyMinutes := NotifyMinutesFor(today, i, n.notifyMinutes)
		diff := lesson.Start.Sub(now).Minutes()

		if diff < float64(notifyMinutes-toleranceMinutes) || diff > float64(notifyMinutes+toleranceMinutes) {
			continue
		}

		id := LessonID(lesson.Start, lesson.Title)
		if n.store.WasNotified(id) {
			n.logger.Debug("Lesson already notified", zap.String("lesson_id", id))
			continue
		}

		if err := n.notify(ctx, lesson, id, notifyMinutes); err != nil {
			// Leave the lesson unmarked: a later tick inside the
			// window retries, and the store still guarantees
			// at-most-once on success.
			n.logger.Error("Failed to notify lesson",
				zap.String("title", lesson.Title),
				zap.Error(err))
			continue
		}

		n.store.MarkNotified(id)
	}

	return nil
}

// notify sends the lesson message, attaches stored files and kicks off the
// presence check.
func (n *Notifier) notify(ctx context.Context, lesson schedule.Lesson, id string, notifyMinutes int) error {
	kind, name := schedule.SplitTitle(lesson.Title)
	subject := strings.TrimSpace(kind + " " + name)

	breakMinutes := 10
	if notifyMinutes == longBreakNotifyMinutes {
		breakMinutes = 30
	}

	record := store.AttendanceMessage{
		LessonName:   name,
		Subject:      subject,
		LessonStart:  lesson.Start,
		BreakMinutes: breakMinutes,
	}

	if n.chatID == 0 {
		n.logger.Info("Lesson due for notification (no chat id configured)",
			zap.String("title", lesson.Title))
		n.store.SaveAttendanceMessage(id, record)
		n.askPresence(ctx, lesson, id, subject)
		return nil
	}

	// Persist the lesson metadata before sending so the attendance flow
	// can resolve the lesson even if the send is interrupted.
	n.store.SaveAttendanceMessage(id, record)

	files := n.store.LessonFiles(lesson.Title)
	text := formatNotification(lesson, notifyMinutes, len(files), n.testMode)

	rows := [][]telegramclient.Button{
		{{Text: "✋ Меня надо отметить на паре", Data: "att:" + id}},
		{{Text: "📝 Добавить ДЗ", Data: "quick_hw:" + id}},
	}

	messageID, err := n.messenger.SendMessage(n.chatID, text, rows)
	if err != nil {
		return fmt.Errorf("failed to send lesson notification: %w", err)
	}

	record.MessageID = messageID
	n.store.SaveAttendanceMessage(id, record)
	n.logger.Info("Lesson notification sent",
		zap.String("title", lesson.Title),
		zap.Int("message_id", messageID),
		zap.Int("notify_minutes", notifyMinutes))

	if len(files) > 0 {
		if err := n.messenger.SendDocumentGroup(n.chatID, files, messageID); err != nil {
			n.logger.Error("Failed to send lesson files", zap.Error(err))
		}
	}

	n.askPresence(ctx, lesson, id, subject)
	return nil
}

func (n *Notifier) askPresence(ctx context.Context, lesson schedule.Lesson, id, subject string) {
	if n.presence == nil {
		return
	}
	lessonTime := lesson.Start.Format("15:04") + " - " + lesson.End.Format("15:04")
	n.presence.AskPresence(ctx, id, subject, lessonTime)
}

// NotifyMinutesFor computes the notify offset for today[i]: the base offset,
// or the long-break offset when the immediately preceding lesson on the same
// day ends 25-35 minutes before this one starts. "Immediately preceding" is
// the lesson with the latest end time still at or before this start.
func NotifyMinutesFor(today []schedule.Lesson, i int, base int) int {
	target := today[i]

	prev := -1
	for j, l := range today {
		if j == i {
			continue
		}
		if l.End.After(target.Start) {
			continue
		}
		if prev == -1 || l.End.After(today[prev].End) {
			prev = j
		}
	}

	if prev == -1 {
		return base
	}

	breakMinutes := target.Start.Sub(today[prev].End).Minutes()
	if breakMinutes >= longBreakMin && breakMinutes <= longBreakMax {
		return longBreakNotifyMinutes
	}
	return base
}

// formatNotification renders the lesson notification message.
func formatNotification(lesson schedule.Lesson, notifyMinutes, fileCount int, testMode bool) string {
	kind, name := schedule.SplitTitle(lesson.Title)

	notifyText := fmt.Sprintf("Через %d минут", notifyMinutes)
	if notifyMinutes == 1 {
		notifyText = "Через 1 минуту"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("⏰ <b>%s начнется пара</b>\n\n", notifyText))
	sb.WriteString(fmt.Sprintf("%s  <b>%s %s</b>\n", schedule.KindEmoji(kind), kind, name))
	sb.WriteString(fmt.Sprintf("🕐 %s - %s", lesson.Start.Format("15:04"), lesson.End.Format("15:04")))
	if lesson.Location != "" {
		sb.WriteString(fmt.Sprintf("  •  📍 %s", lesson.Location))
	}
	sb.WriteString("\n")

	if teacher := schedule.ExtractTeacherName(lesson.Teacher); teacher != "" {
		sb.WriteString(fmt.Sprintf("👤 Преподаватель: <b>%s</b>\n", teacher))
	}
	if fileCount > 0 {
		sb.WriteString(fmt.Sprintf("\n📎 Прикрепленные материалы: %d файл(ов)", fileCount))
	}
	if testMode {
		sb.WriteString("\n<i>🧪 ТЕСТОВЫЙ РЕЖИМ</i>")
	}

	return sb.String()
}
