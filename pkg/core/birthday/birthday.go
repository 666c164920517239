// Package birthday reminds the headman about member birthdays: an eve
// reminder at 20:00 the day before and a day-of reminder at 08:00.
package birthday

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/store"
)

const (
	eveHour   = 20
	dayOfHour = 8

	checkInterval = time.Minute

	// birthDateLayout matches the registry's DD.MM.YYYY format.
	birthDateLayout = "02.01.2006"
)

// Members lists the registry and resolves the headman.
type Members interface {
	Members() []store.Member
	Headman() (store.Member, bool)
}

// Messenger is the outbound transport the notifier needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
}

// Notifier runs the birthday reminder loop.
type Notifier struct {
	members   Members
	messenger Messenger
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastEveDate string
	lastDayDate string
}

// NewNotifier creates a birthday notifier; it does not start the loop.
func NewNotifier(members Members, messenger Messenger, loc *time.Location, logger *zap.Logger) *Notifier {
	return &Notifier{
		members:   members,
		messenger: messenger,
		loc:       loc,
		logger:    logger,
		now:       func() time.Time { return time.Now().In(loc) },
	}
}

// Run checks once a minute until the context is cancelled. Each reminder
// fires at most once per calendar day, so a missed minute is caught up on
// the next tick.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("Birthday reminder loop started")

	for {
		n.tick()

		select {
		case <-ctx.Done():
			n.logger.Info("Birthday reminder loop stopped")
			return
		case <-time.After(checkInterval):
		}
	}
}

func (n *Notifier) tick() {
	now := n.now()
	today := now.Format("2006-01-02")

	n.mu.Lock()
	fireEve := now.Hour() >= eveHour && n.lastEveDate != today
	if fireEve {
		n.lastEveDate = today
	}
	fireDay := now.Hour() >= dayOfHour && n.lastDayDate != today
	if fireDay {
		n.lastDayDate = today
	}
	n.mu.Unlock()

	if fireEve {
		n.remind(now.AddDate(0, 0, 1), "🎂 <b>Завтра день рождения!</b>")
	}
	if fireDay {
		n.remind(now, "🎉 <b>Сегодня день рождения!</b>")
	}
}

func (n *Notifier) remind(day time.Time, header string) {
	celebrants := BirthdaysOn(n.members.Members(), day)
	if len(celebrants) == 0 {
		return
	}

	headman, ok := n.members.Headman()
	if !ok {
		n.logger.Warn("Birthday reminder has no recipient, no headman registered")
		return
	}

	var sb strings.Builder
	sb.WriteString(header + "\n\n")
	for _, m := range celebrants {
		sb.WriteString("• " + m.FullName)
		if age := Age(m.BirthDate, day); age > 0 {
			sb.WriteString(fmt.Sprintf(" — исполняется %d", age))
		}
		if m.Username != "" {
			sb.WriteString(" (@" + m.Username + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nНе забудьте поздравить от группы!")

	if _, err := n.messenger.SendMessage(headman.UserID, sb.String(), nil); err != nil {
		n.logger.Error("Failed to send birthday reminder", zap.Error(err))
		return
	}
	n.logger.Info("Birthday reminder sent", zap.Int("celebrants", len(celebrants)))
}

// BirthdaysOn returns the members whose birthday falls on the given day.
// Members without a parseable birth date are skipped.
func BirthdaysOn(members []store.Member, day time.Time) []store.Member {
	var out []store.Member
	for _, m := range members {
		born, err := time.Parse(birthDateLayout, m.BirthDate)
		if err != nil {
			continue
		}
		if born.Day() == day.Day() && born.Month() == day.Month() {
			out = append(out, m)
		}
	}
	return out
}

// Age computes the age the member turns on the given day, or 0 when the
// birth date cannot be parsed.
func Age(birthDate string, on time.Time) int {
	born, err := time.Parse(birthDateLayout, birthDate)
	if err != nil {
		return 0
	}
	return on.Year() - born.Year()
}
