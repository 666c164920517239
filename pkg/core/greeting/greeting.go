// Package greeting posts the daily greetings to the group chat: a morning
// message with today's lessons and an evening message with tomorrow's.
package greeting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/schedule"
)

const checkInterval = time.Minute

// Source produces the expanded lesson list for the horizon.
type Source interface {
	Fetch(ctx context.Context) ([]schedule.Lesson, error)
}

// Messenger is the outbound transport the poster needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
	SendPhoto(chatID int64, name string, data []byte, caption string) (int, error)
}

// Generator produces a greeting line. Optional; canned texts are used when
// it is nil or fails.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

var morningTexts = []string{
	"☀️ Доброе утро, группа! Новый день — новые пары.",
	"☀️ Доброе утро! Просыпаемся, сегодня есть чем заняться.",
	"☀️ Утро доброе! Кофе в руку — и вперед.",
}

var eveningTexts = []string{
	"🌙 Добрый вечер! Посмотрим, что ждет завтра.",
	"🌙 Вечер в хату, группа. Завтрашний день уже расписан.",
	"🌙 Добрый вечер! Самое время собрать рюкзак на завтра.",
}

// Options configures a Poster.
type Options struct {
	Source    Source
	Messenger Messenger
	Generator Generator // optional
	ChatID    int64
	// MorningAt and EveningAt are local times in "15:04" format. Either
	// may be empty to disable that greeting.
	MorningAt string
	EveningAt string
	// PhotoPath, when set, is an image attached to each greeting with the
	// text as its caption.
	PhotoPath string
	Location  *time.Location
	Logger    *zap.Logger
}

// Poster runs the greeting loop.
type Poster struct {
	source    Source
	messenger Messenger
	generator Generator
	chatID    int64
	morningAt string
	eveningAt string
	photoPath string
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastMorning string
	lastEvening string
}

// NewPoster creates a greeting poster; it does not start the loop.
func NewPoster(opts Options) *Poster {
	return &Poster{
		source:    opts.Source,
		messenger: opts.Messenger,
		generator: opts.Generator,
		chatID:    opts.ChatID,
		morningAt: opts.MorningAt,
		eveningAt: opts.EveningAt,
		photoPath: opts.PhotoPath,
		loc:       opts.Location,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().In(opts.Location) },
	}
}

// Run checks once a minute until the context is cancelled. Each greeting
// fires at most once per calendar day.
func (p *Poster) Run(ctx context.Context) {
	if p.chatID == 0 {
		p.logger.Warn("Group chat id not configured, greetings disabled")
		return
	}

	p.logger.Info("Greeting loop started",
		zap.String("morning_at", p.morningAt),
		zap.String("evening_at", p.eveningAt))

	for {
		p.tick(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Greeting loop stopped")
			return
		case <-time.After(checkInterval):
		}
	}
}

func (p *Poster) tick(ctx context.Context) {
	now := p.now()
	today := now.Format("2006-01-02")

	p.mu.Lock()
	morning := due(now, p.morningAt) && p.lastMorning != today
	if morning {
		p.lastMorning = today
	}
	evening := due(now, p.eveningAt) && p.lastEvening != today
	if evening {
		p.lastEvening = today
	}
	p.mu.Unlock()

	if morning {
		p.post(ctx, now, true)
	}
	if evening {
		p.post(ctx, now, false)
	}
}

// due reports whether the trigger time has passed today.
func due(now time.Time, at string) bool {
	if at == "" {
		return false
	}
	t, err := time.Parse("15:04", at)
	if err != nil {
		return false
	}
	trigger := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	return !now.Before(trigger)
}

func (p *Poster) post(ctx context.Context, now time.Time, morning bool) {
	day := now
	header := "📅 <b>Пары сегодня</b>"
	if !morning {
		day = now.AddDate(0, 0, 1)
		header = "📅 <b>Пары завтра</b>"
	}

	lessons, err := p.source.Fetch(ctx)
	if err != nil {
		// A fetch outage must not read as a free day.
		p.logger.Error("Failed to fetch schedule for greeting", zap.Error(err))
		text := p.greetingText(ctx, now, morning, 0) +
			"\n\n" + header + "\n⚠️ Не удалось загрузить расписание."
		p.deliver(text)
		return
	}
	dayLessons := schedule.LessonsOn(lessons, day)

	text := p.greetingText(ctx, now, morning, len(dayLessons))
	text += "\n\n" + header + "\n"
	if len(dayLessons) == 0 {
		text += "Пар нет — свободный день! 🎉"
	} else {
		text += schedule.FormatDayList(dayLessons)
	}

	if !p.deliver(text) {
		return
	}
	p.logger.Info("Greeting posted", zap.Bool("morning", morning), zap.Int("lessons", len(dayLessons)))
}

// deliver sends the greeting, as a photo caption when a photo is configured
// and readable, otherwise as a plain message.
func (p *Poster) deliver(text string) bool {
	if p.photoPath != "" {
		data, err := os.ReadFile(p.photoPath)
		if err != nil {
			p.logger.Warn("Failed to read greeting photo", zap.String("path", p.photoPath), zap.Error(err))
		} else if _, err := p.messenger.SendPhoto(p.chatID, filepath.Base(p.photoPath), data, text); err != nil {
			p.logger.Warn("Failed to post greeting photo, sending text", zap.Error(err))
		} else {
			return true
		}
	}

	if _, err := p.messenger.SendMessage(p.chatID, text, nil); err != nil {
		p.logger.Error("Failed to post greeting", zap.Error(err))
		return false
	}
	return true
}

// greetingText asks the generator for a fresh line and falls back to the
// canned rotation.
func (p *Poster) greetingText(ctx context.Context, now time.Time, morning bool, lessons int) string {
	if p.generator != nil {
		period, when := "вечернее", "завтра"
		if morning {
			period, when = "утреннее", "сегодня"
		}
		prompt := fmt.Sprintf(
			"Напиши короткое %s приветствие для студенческой группы. %s %d пар.",
			period, when, lessons)
		if text, err := p.generator.Generate(ctx, prompt); err == nil {
			return text
		} else {
			p.logger.Warn("Greeting generation failed, using canned text", zap.Error(err))
		}
	}

	texts := eveningTexts
	if morning {
		texts = morningTexts
	}
	return texts[now.YearDay()%len(texts)]
}
