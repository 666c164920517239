// Package digest sends the Sunday-evening summary of next week's homework
// and control measures to subscribed members, and prunes past weeks from the
// homework store once a day.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

const (
	digestHour    = 20
	checkInterval = time.Minute
)

// Homework is the slice of the homework store the digest uses.
type Homework interface {
	HomeworkForWeek(week int) map[string]map[string][]string
	ControlMeasuresForWeek(week int) map[string]map[string][]string
	CleanupPastWeeks() store.CleanupResult
}

// Members lists the registry.
type Members interface {
	Members() []store.Member
}

// Messenger is the outbound transport the digest needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
}

// Sender runs the digest and cleanup loop.
type Sender struct {
	homework  Homework
	members   Members
	messenger Messenger
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time

	mu              sync.Mutex
	lastDigestDate  string
	lastCleanupDate string
}

// NewSender creates a digest sender; it does not start the loop.
func NewSender(hw Homework, members Members, messenger Messenger, loc *time.Location, logger *zap.Logger) *Sender {
	return &Sender{
		homework:  hw,
		members:   members,
		messenger: messenger,
		loc:       loc,
		logger:    logger,
		now:       func() time.Time { return time.Now().In(loc) },
	}
}

// Run checks once a minute until the context is cancelled.
func (s *Sender) Run(ctx context.Context) {
	s.logger.Info("Digest loop started")

	for {
		s.tick()

		select {
		case <-ctx.Done():
			s.logger.Info("Digest loop stopped")
			return
		case <-time.After(checkInterval):
		}
	}
}

func (s *Sender) tick() {
	now := s.now()
	today := now.Format("2006-01-02")

	s.mu.Lock()
	cleanup := s.lastCleanupDate != today
	if cleanup {
		s.lastCleanupDate = today
	}
	digest := now.Weekday() == time.Sunday && now.Hour() >= digestHour && s.lastDigestDate != today
	if digest {
		s.lastDigestDate = today
	}
	s.mu.Unlock()

	if cleanup {
		result := s.homework.CleanupPastWeeks()
		if len(result.RemovedHomeworkWeeks) > 0 || len(result.RemovedControlWeeks) > 0 {
			s.logger.Info("Past weeks pruned",
				zap.Ints("homework_weeks", result.RemovedHomeworkWeeks),
				zap.Ints("control_weeks", result.RemovedControlWeeks))
		}
	}

	if digest {
		s.send(now)
	}
}

// send delivers next week's digest to every subscribed member. One failed
// delivery does not stop the rest.
func (s *Sender) send(now time.Time) {
	week := schedule.AcademicWeekNumber(now.AddDate(0, 0, 1))
	text := FormatDigest(week, s.homework.HomeworkForWeek(week), s.homework.ControlMeasuresForWeek(week))

	var sent, failed int
	for _, m := range s.members.Members() {
		if !m.Notifications["homework"] && !m.Notifications["control_works"] {
			continue
		}
		if _, err := s.messenger.SendMessage(m.UserID, text, nil); err != nil {
			failed++
			s.logger.Error("Failed to deliver digest",
				zap.Int64("user_id", m.UserID),
				zap.Error(err))
			continue
		}
		sent++
	}

	s.logger.Info("Weekly digest sent",
		zap.Int("week", week),
		zap.Int("delivered", sent),
		zap.Int("failed", failed))
}

// FormatDigest renders the weekly summary. Dates and subjects come out in
// stable sorted order.
func FormatDigest(week int, homework, control map[string]map[string][]string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 <b>Сводка на %d-ю неделю</b>\n", week))

	sb.WriteString("\n📝 <b>Домашние задания</b>\n")
	writeWeek(&sb, homework, "Домашних заданий пока нет.")

	sb.WriteString("\n📊 <b>Контрольные мероприятия</b>\n")
	writeWeek(&sb, control, "Контрольных мероприятий не запланировано.")

	return sb.String()
}

func writeWeek(sb *strings.Builder, days map[string]map[string][]string, empty string) {
	if len(days) == 0 {
		sb.WriteString(empty + "\n")
		return
	}

	dates := make([]string, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, date := range dates {
		label := date
		if t, err := time.Parse("2006-01-02", date); err == nil {
			label = t.Format("02.01")
		}
		sb.WriteString(fmt.Sprintf("\n📅 %s\n", label))

		subjects := make([]string, 0, len(days[date]))
		for subj := range days[date] {
			subjects = append(subjects, subj)
		}
		sort.Strings(subjects)

		for _, subj := range subjects {
			sb.WriteString(fmt.Sprintf("  <b>%s</b>\n", subj))
			for _, item := range days[date][subj] {
				sb.WriteString("  • " + item + "\n")
			}
		}
	}
}
