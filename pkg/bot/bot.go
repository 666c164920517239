// Package bot is the Telegram update surface: it dispatches commands,
// callback presses and dialog messages to the core services.
package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/core/attendance"
	"github.com/ivt301/groupbot/pkg/core/presence"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

// Telegram is the outbound transport slice the bot needs.
type Telegram interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
	EditMessageText(chatID int64, messageID int, text string, rows [][]telegramclient.Button) error
	EditMessageMarkup(chatID int64, messageID int, rows [][]telegramclient.Button) error
	AnswerCallback(callbackID, text string, alert bool) error
}

// Source produces the expanded lesson list for the horizon.
type Source interface {
	Fetch(ctx context.Context) ([]schedule.Lesson, error)
}

// TestClock moves the notifier clock; wired only in test mode.
type TestClock interface {
	SetTestTime(t time.Time)
}

// Options wires a Bot.
type Options struct {
	Telegram   Telegram
	Source     Source
	Members    *store.MemberStore
	Schedule   *store.ScheduleStore
	Homework   *store.HomeworkStore
	Attendance *attendance.Service
	Presence   *presence.Checker
	TestClock  TestClock // optional
	AdminID    int64
	GroupChat  int64
	Location   *time.Location
	Logger     *zap.Logger
}

// Bot dispatches incoming updates.
type Bot struct {
	tg         Telegram
	source     Source
	members    *store.MemberStore
	schedule   *store.ScheduleStore
	homework   *store.HomeworkStore
	attendance *attendance.Service
	presence   *presence.Checker
	testClock  TestClock
	adminID    int64
	groupChat  int64
	loc        *time.Location
	logger     *zap.Logger
	sessions   *sessions
}

// New creates a bot ready to consume updates.
func New(opts Options) *Bot {
	return &Bot{
		tg:         opts.Telegram,
		source:     opts.Source,
		members:    opts.Members,
		schedule:   opts.Schedule,
		homework:   opts.Homework,
		attendance: opts.Attendance,
		presence:   opts.Presence,
		testClock:  opts.TestClock,
		adminID:    opts.AdminID,
		groupChat:  opts.GroupChat,
		loc:        opts.Location,
		logger:     opts.Logger,
		sessions:   newSessions(),
	}
}

// Run consumes updates until the channel closes or the context is cancelled.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	b.logger.Info("Update loop started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Update loop stopped")
			return
		case update, ok := <-updates:
			if !ok {
				b.logger.Info("Update channel closed")
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Update handler panicked", zap.Any("panic", r))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

// isAdmin reports whether the user may use administrative commands: the
// configured admin or any privileged member.
func (b *Bot) isAdmin(userID int64) bool {
	if userID == b.adminID {
		return true
	}
	member, ok := b.members.Member(userID)
	return ok && member.Role.Privileged()
}

func (b *Bot) reply(chatID int64, text string, rows [][]telegramclient.Button) {
	if _, err := b.tg.SendMessage(chatID, text, rows); err != nil {
		b.logger.Error("Failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
