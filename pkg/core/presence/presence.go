// Package presence tracks whether the headman is present for a lesson. Each
// notification opens a check: the headman is asked directly, and the group is
// told the outcome once they answer, give an absence reason, or time out.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/store"
)

// DefaultTimeout is how long the headman has to answer a presence check.
const DefaultTimeout = 20 * time.Minute

// Members resolves the headman from the member registry.
type Members interface {
	Headman() (store.Member, bool)
}

// Messenger is the outbound transport the checker needs.
type Messenger interface {
	SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error)
	EditMessageText(chatID int64, messageID int, text string, rows [][]telegramclient.Button) error
}

// Options configures a Checker.
type Options struct {
	Members   Members
	Messenger Messenger
	// GroupChatID receives the outcome broadcast.
	GroupChatID int64
	Timeout     time.Duration
	Logger      *zap.Logger
}

type check struct {
	lessonName     string
	lessonTime     string
	headmanID      int64
	messageID      int
	awaitingReason bool
	done           chan struct{}
}

// Checker holds the open presence checks, keyed by lesson id.
type Checker struct {
	members   Members
	messenger Messenger
	groupChat int64
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	checks map[string]*check
}

// NewChecker creates a checker with no open checks.
func NewChecker(opts Options) *Checker {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		members:   opts.Members,
		messenger: opts.Messenger,
		groupChat: opts.GroupChatID,
		timeout:   timeout,
		logger:    opts.Logger,
		checks:    map[string]*check{},
	}
}

// AskPresence opens a check for the lesson and messages the headman. Without
// a registered headman this is a no-op. A repeated ask for the same lesson is
// ignored while the first check is open.
func (c *Checker) AskPresence(ctx context.Context, lessonID, lessonName, lessonTime string) {
	headman, ok := c.members.Headman()
	if !ok {
		c.logger.Warn("Presence check skipped, no headman registered",
			zap.String("lesson", lessonName))
		return
	}

	c.mu.Lock()
	if _, open := c.checks[lessonID]; open {
		c.mu.Unlock()
		return
	}
	ch := &check{
		lessonName: lessonName,
		lessonTime: lessonTime,
		headmanID:  headman.UserID,
		done:       make(chan struct{}),
	}
	c.checks[lessonID] = ch
	c.mu.Unlock()

	text := fmt.Sprintf(
		"❓ <b>Вы на паре?</b>\n\n📚 %s\n🕐 %s\n\nОтметьте ваше присутствие, чтобы группа знала, кто отмечает посещаемость.",
		lessonName, lessonTime)
	rows := [][]telegramclient.Button{
		{
			{Text: "✅ Я на паре", Data: "headman_present:" + lessonID},
			{Text: "❌ Меня нет", Data: "headman_absent:" + lessonID},
		},
	}

	messageID, err := c.messenger.SendMessage(headman.UserID, text, rows)
	if err != nil {
		c.logger.Error("Failed to ask headman presence",
			zap.Int64("headman_id", headman.UserID),
			zap.Error(err))
		c.remove(lessonID)
		return
	}

	c.mu.Lock()
	ch.messageID = messageID
	c.mu.Unlock()

	c.logger.Info("Presence check opened",
		zap.String("lesson_id", lessonID),
		zap.Int64("headman_id", headman.UserID))

	go c.watchTimeout(ctx, lessonID, ch)
}

func (c *Checker) watchTimeout(ctx context.Context, lessonID string, ch *check) {
	select {
	case <-ctx.Done():
	case <-ch.done:
	case <-time.After(c.timeout):
		c.expire(lessonID)
	}
}

func (c *Checker) expire(lessonID string) {
	ch, ok := c.resolve(lessonID)
	if !ok {
		return
	}

	c.logger.Info("Presence check timed out", zap.String("lesson_id", lessonID))

	c.editHeadman(ch, fmt.Sprintf("⏰ Время вышло. Проверка присутствия на паре «%s» закрыта.", ch.lessonName))

	// The headman may have pressed "absent" and never sent a reason.
	if ch.awaitingReason {
		c.broadcast(fmt.Sprintf(
			"❌ Староста отсутствует на паре.\n\n📚 %s (%s)\n\nОтмечайтесь самостоятельно.",
			ch.lessonName, ch.lessonTime))
		return
	}
	c.broadcast(fmt.Sprintf(
		"⚠️ Староста не ответил на проверку присутствия.\n\n📚 %s (%s)\n\nОтмечайтесь на паре самостоятельно.",
		ch.lessonName, ch.lessonTime))
}

// HandlePresent records that the headman is present. Returns false if no
// check is open for the lesson.
func (c *Checker) HandlePresent(lessonID string) bool {
	ch, ok := c.resolve(lessonID)
	if !ok {
		return false
	}

	c.editHeadman(ch, fmt.Sprintf("✅ Вы отмечены как присутствующий на паре «%s».", ch.lessonName))
	c.broadcast(fmt.Sprintf(
		"✅ Староста на паре и отметит посещаемость.\n\n📚 %s (%s)", ch.lessonName, ch.lessonTime))
	return true
}

// HandleAbsent asks the headman for an absence reason and keeps the check
// open until the reason arrives or is declined.
func (c *Checker) HandleAbsent(lessonID string) bool {
	c.mu.Lock()
	ch, ok := c.checks[lessonID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ch.awaitingReason = true
	c.mu.Unlock()

	text := fmt.Sprintf("📝 Укажите причину отсутствия на паре «%s» ответным сообщением.", ch.lessonName)
	rows := [][]telegramclient.Button{
		{{Text: "Не указывать причину", Data: "headman_no_reason:" + lessonID}},
	}
	if err := c.messenger.EditMessageText(ch.headmanID, ch.messageID, text, rows); err != nil {
		c.logger.Error("Failed to prompt absence reason", zap.Error(err))
	}
	return true
}

// AwaitingReason reports the lesson whose absence reason the given user owes.
func (c *Checker) AwaitingReason(userID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.checks {
		if ch.awaitingReason && ch.headmanID == userID {
			return id, true
		}
	}
	return "", false
}

// HandleReason closes the check with the given absence reason.
func (c *Checker) HandleReason(lessonID, reason string) bool {
	ch, ok := c.resolve(lessonID)
	if !ok {
		return false
	}

	c.editHeadman(ch, fmt.Sprintf("📨 Причина отсутствия на паре «%s» передана группе.", ch.lessonName))
	c.broadcast(fmt.Sprintf(
		"❌ Староста отсутствует на паре.\n\n📚 %s (%s)\n📝 Причина: %s\n\nОтмечайтесь самостоятельно.",
		ch.lessonName, ch.lessonTime, reason))
	return true
}

// HandleNoReason closes the check without a reason.
func (c *Checker) HandleNoReason(lessonID string) bool {
	ch, ok := c.resolve(lessonID)
	if !ok {
		return false
	}

	c.editHeadman(ch, fmt.Sprintf("📨 Группа предупреждена о вашем отсутствии на паре «%s».", ch.lessonName))
	c.broadcast(fmt.Sprintf(
		"❌ Староста отсутствует на паре.\n\n📚 %s (%s)\n\nОтмечайтесь самостоятельно.",
		ch.lessonName, ch.lessonTime))
	return true
}

// Open reports whether a check is still pending for the lesson.
func (c *Checker) Open(lessonID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.checks[lessonID]
	return ok
}

// resolve removes the check and stops its timeout watcher. The second return
// is false when the check had already been resolved, which makes every
// outcome path idempotent.
func (c *Checker) resolve(lessonID string) (*check, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.checks[lessonID]
	if !ok {
		return nil, false
	}
	delete(c.checks, lessonID)
	close(ch.done)
	return ch, true
}

func (c *Checker) remove(lessonID string) {
	c.mu.Lock()
	delete(c.checks, lessonID)
	c.mu.Unlock()
}

func (c *Checker) editHeadman(ch *check, text string) {
	if ch.messageID == 0 {
		return
	}
	if err := c.messenger.EditMessageText(ch.headmanID, ch.messageID, text, nil); err != nil {
		c.logger.Error("Failed to edit presence message", zap.Error(err))
	}
}

func (c *Checker) broadcast(text string) {
	if c.groupChat == 0 {
		return
	}
	if _, err := c.messenger.SendMessage(c.groupChat, text, nil); err != nil {
		c.logger.Error("Failed to broadcast presence outcome", zap.Error(err))
	}
}
