package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/core/attendance"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	userID := cb.From.ID

	b.logger.Debug("Callback received",
		zap.String("data", data),
		zap.Int64("user_id", userID))

	switch {
	case strings.HasPrefix(data, "att:"):
		b.cbAttendance(cb, strings.TrimPrefix(data, "att:"))
	case strings.HasPrefix(data, "quick_hw:"):
		b.cbQuickHomework(cb, strings.TrimPrefix(data, "quick_hw:"))
	case strings.HasPrefix(data, "headman_present:"):
		b.cbHeadman(cb, strings.TrimPrefix(data, "headman_present:"), b.presence.HandlePresent)
	case strings.HasPrefix(data, "headman_absent:"):
		b.cbHeadman(cb, strings.TrimPrefix(data, "headman_absent:"), b.presence.HandleAbsent)
	case strings.HasPrefix(data, "headman_no_reason:"):
		b.cbHeadman(cb, strings.TrimPrefix(data, "headman_no_reason:"), b.presence.HandleNoReason)
	case strings.HasPrefix(data, "notif:"):
		b.cbNotificationToggle(cb, strings.TrimPrefix(data, "notif:"))
	case strings.HasPrefix(data, "notif_all:"):
		b.cbNotificationAll(cb, strings.TrimPrefix(data, "notif_all:") == "on")
	case data == "notif_done":
		b.cbNotificationDone(cb)
	case strings.HasPrefix(data, "sched:"):
		b.cbSchedule(ctx, cb, strings.TrimPrefix(data, "sched:"))
	case strings.HasPrefix(data, "setrole:"):
		b.cbSetRole(cb, strings.TrimPrefix(data, "setrole:"))
	case strings.HasPrefix(data, "bcast:"):
		b.cbBroadcastCategory(cb, strings.TrimPrefix(data, "bcast:"))
	case strings.HasPrefix(data, "admin_edit:"):
		b.cbAdminEdit(cb, strings.TrimPrefix(data, "admin_edit:"))
	case strings.HasPrefix(data, "admin_field:"):
		b.cbAdminField(cb, strings.TrimPrefix(data, "admin_field:"))
	case data == "hw_add", data == "exam_add":
		b.cbHomeworkAdd(cb, data == "exam_add")
	default:
		b.answer(cb, "", false)
	}
}

func (b *Bot) answer(cb *tgbotapi.CallbackQuery, text string, alert bool) {
	if err := b.tg.AnswerCallback(cb.ID, text, alert); err != nil {
		b.logger.Error("Failed to answer callback", zap.Error(err))
	}
}

func (b *Bot) cbAttendance(cb *tgbotapi.CallbackQuery, lessonID string) {
	count, err := b.attendance.Request(lessonID, cb.From.ID, cb.From.UserName)
	switch {
	case errors.Is(err, attendance.ErrAlreadyRequested):
		b.answer(cb, "Вы уже в списке.", false)
	case errors.Is(err, attendance.ErrNotRegistered):
		b.answer(cb, "Сначала зарегистрируйтесь: напишите боту /start.", true)
	case errors.Is(err, attendance.ErrUnknownLesson):
		b.answer(cb, "Эта пара уже не отслеживается.", true)
	case err != nil:
		b.logger.Error("Attendance request failed", zap.Error(err))
		b.answer(cb, "Не получилось, попробуйте еще раз.", true)
	default:
		b.answer(cb, fmt.Sprintf("✋ Записал! Вы %d-й в списке.", count), false)
	}
}

// cbQuickHomework opens a five-minute window during which the user's next
// private message becomes a homework entry for the notified lesson.
func (b *Bot) cbQuickHomework(cb *tgbotapi.CallbackQuery, lessonID string) {
	userID := cb.From.ID
	if !b.members.IsRegistered(userID) {
		b.answer(cb, "Сначала зарегистрируйтесь: напишите боту /start.", true)
		return
	}

	msg, ok := b.schedule.GetAttendanceMessage(lessonID)
	if !ok {
		b.answer(cb, "Эта пара уже не отслеживается.", true)
		return
	}

	b.sessions.set(userID, &session{
		state:    stateQuickHomework,
		lessonID: lessonID,
		subject:  msg.Subject,
		date:     msg.LessonStart,
		deadline: time.Now().Add(quickHomeworkWindow),
	})

	b.answer(cb, "Напишите мне задание в личные сообщения в течение 5 минут.", false)
	b.reply(userID, fmt.Sprintf("📝 Что задали по «%s»? Напишите одним сообщением.", msg.Subject), nil)
}

func (b *Bot) cbHeadman(cb *tgbotapi.CallbackQuery, lessonID string, handle func(string) bool) {
	headman, ok := b.members.Headman()
	if !ok || cb.From.ID != headman.UserID {
		b.answer(cb, "Эта кнопка только для старосты.", true)
		return
	}

	if !handle(lessonID) {
		b.answer(cb, "Проверка уже закрыта.", false)
		return
	}
	b.answer(cb, "", false)
}

func (b *Bot) cbNotificationToggle(cb *tgbotapi.CallbackQuery, category string) {
	userID := cb.From.ID
	member, ok := b.members.Member(userID)
	if !ok {
		b.answer(cb, "Сначала зарегистрируйтесь: /start.", true)
		return
	}

	enabled := !member.Notifications[category]
	if err := b.members.SetNotification(userID, category, enabled); err != nil {
		b.logger.Error("Failed to toggle notification", zap.Error(err))
		b.answer(cb, "Не получилось, попробуйте еще раз.", true)
		return
	}

	member, _ = b.members.Member(userID)
	b.refreshNotificationPanel(cb, member)
	b.answer(cb, "", false)
}

func (b *Bot) cbNotificationAll(cb *tgbotapi.CallbackQuery, enabled bool) {
	userID := cb.From.ID
	if err := b.members.SetAllNotifications(userID, enabled); err != nil {
		b.logger.Error("Failed to switch notifications", zap.Error(err))
		b.answer(cb, "Не получилось, попробуйте еще раз.", true)
		return
	}

	member, _ := b.members.Member(userID)
	b.refreshNotificationPanel(cb, member)
	b.answer(cb, "", false)
}

func (b *Bot) cbNotificationDone(cb *tgbotapi.CallbackQuery) {
	if cb.Message != nil {
		err := b.tg.EditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			"🔔 Настройки уведомлений сохранены.", nil)
		if err != nil {
			b.logger.Error("Failed to close notification panel", zap.Error(err))
		}
	}
	b.answer(cb, "", false)
}

func (b *Bot) refreshNotificationPanel(cb *tgbotapi.CallbackQuery, member store.Member) {
	if cb.Message == nil {
		return
	}
	err := b.tg.EditMessageMarkup(cb.Message.Chat.ID, cb.Message.MessageID, notificationKeyboard(member))
	if err != nil {
		b.logger.Error("Failed to refresh notification panel", zap.Error(err))
	}
}

func (b *Bot) cbSchedule(ctx context.Context, cb *tgbotapi.CallbackQuery, period string) {
	lessons, err := b.source.Fetch(ctx)
	if err != nil {
		b.logger.Error("Failed to fetch schedule", zap.Error(err))
		b.answer(cb, "Не удалось загрузить расписание.", true)
		return
	}

	now := time.Now().In(b.loc)
	var text string
	switch period {
	case "today":
		text = schedule.FormatSchedule(schedule.LessonsOn(lessons, now), "сегодня")
	case "tomorrow":
		text = schedule.FormatSchedule(schedule.LessonsOn(lessons, now.AddDate(0, 0, 1)), "завтра")
	case "week":
		text = schedule.FormatSchedule(schedule.WeekLessons(lessons, schedule.WeekStart(now)), "на этой неделе")
	case "nextweek":
		start := schedule.WeekStart(now).AddDate(0, 0, 7)
		text = schedule.FormatSchedule(schedule.WeekLessons(lessons, start), "на следующей неделе")
	default:
		b.answer(cb, "", false)
		return
	}

	b.answer(cb, "", false)
	if cb.Message != nil {
		b.reply(cb.Message.Chat.ID, text, nil)
	}
}

func (b *Bot) cbSetRole(cb *tgbotapi.CallbackQuery, payload string) {
	if !b.isAdmin(cb.From.ID) {
		b.answer(cb, "Назначать роли могут только старосты.", true)
		return
	}

	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		b.answer(cb, "", false)
		return
	}
	target, err1 := strconv.ParseInt(parts[0], 10, 64)
	idx, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || idx < 0 || idx >= len(store.AllRoles) {
		b.answer(cb, "", false)
		return
	}

	role := store.AllRoles[idx]
	if err := b.members.SetRole(target, role); err != nil {
		b.logger.Error("Failed to set role", zap.Int64("target", target), zap.Error(err))
		b.answer(cb, "Не получилось назначить роль.", true)
		return
	}

	b.answer(cb, "Роль назначена.", false)
	if cb.Message != nil {
		member, _ := b.members.Member(target)
		err := b.tg.EditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			fmt.Sprintf("✅ <b>%s</b> теперь: %s", member.FullName, role), nil)
		if err != nil {
			b.logger.Error("Failed to update role message", zap.Error(err))
		}
	}
}

func (b *Bot) cbBroadcastCategory(cb *tgbotapi.CallbackQuery, category string) {
	userID := cb.From.ID
	if !b.isAdmin(userID) {
		b.answer(cb, "Рассылки могут запускать только старосты.", true)
		return
	}
	if _, ok := store.NotificationCategories[category]; !ok {
		b.answer(cb, "", false)
		return
	}

	b.sessions.set(userID, &session{state: stateBroadcastText, category: category})
	b.answer(cb, "", false)
	b.reply(userID, fmt.Sprintf(
		"📣 Введите текст рассылки «%s»:", store.NotificationCategories[category]), nil)
}

func (b *Bot) cbAdminEdit(cb *tgbotapi.CallbackQuery, payload string) {
	if !b.isAdmin(cb.From.ID) {
		b.answer(cb, "Редактировать могут только старосты.", true)
		return
	}

	target, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		b.answer(cb, "", false)
		return
	}
	member, ok := b.members.Member(target)
	if !ok {
		b.answer(cb, "Участник уже не зарегистрирован.", true)
		return
	}

	b.answer(cb, "", false)
	if cb.Message != nil {
		err := b.tg.EditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			fmt.Sprintf("🛠 <b>%s</b>\nДата рождения: %s\n\nЧто изменить?", member.FullName, member.BirthDate),
			adminFieldKeyboard(target))
		if err != nil {
			b.logger.Error("Failed to show edit menu", zap.Error(err))
		}
	}
}

func (b *Bot) cbAdminField(cb *tgbotapi.CallbackQuery, payload string) {
	userID := cb.From.ID
	if !b.isAdmin(userID) {
		b.answer(cb, "Редактировать могут только старосты.", true)
		return
	}

	parts := strings.Split(payload, ":")
	if len(parts) != 2 || (parts[1] != "name" && parts[1] != "bdate") {
		b.answer(cb, "", false)
		return
	}
	target, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		b.answer(cb, "", false)
		return
	}
	member, ok := b.members.Member(target)
	if !ok {
		b.answer(cb, "Участник уже не зарегистрирован.", true)
		return
	}

	b.sessions.set(userID, &session{state: stateAdminValue, targetID: target, field: parts[1]})
	b.answer(cb, "", false)

	prompt := fmt.Sprintf("Введите новое ФИО для %s:", member.FullName)
	if parts[1] == "bdate" {
		prompt = fmt.Sprintf("Введите новую дату рождения для %s (ДД.ММ.ГГГГ):", member.FullName)
	}
	b.reply(userID, prompt, nil)
}

func (b *Bot) cbHomeworkAdd(cb *tgbotapi.CallbackQuery, control bool) {
	userID := cb.From.ID
	if !b.isAdmin(userID) {
		b.answer(cb, "Добавлять могут только старосты.", true)
		return
	}

	b.sessions.set(userID, &session{state: stateHomeworkDate, control: control})
	b.answer(cb, "", false)

	what := "домашнего задания"
	if control {
		what = "контрольного мероприятия"
	}
	b.reply(userID, fmt.Sprintf("📅 Введите дату %s (ДД.ММ или ДД.ММ.ГГГГ):", what), nil)
}
