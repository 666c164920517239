package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/store"
)

const birthDateLayout = "02.01.2006"

// handleMessage routes private non-command messages through the open dialog
// for the user, if any.
func (b *Bot) handleMessage(_ context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		return
	}

	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)

	// An absence reason owed to a presence check takes priority over any
	// other dialog.
	if lessonID, ok := b.presence.AwaitingReason(userID); ok && text != "" {
		b.presence.HandleReason(lessonID, text)
		return
	}

	sess, ok := b.sessions.get(userID)
	if !ok {
		b.reply(msg.Chat.ID, "Не понял. Список команд: /help", nil)
		return
	}

	switch sess.state {
	case stateRegisterName:
		b.msgRegisterName(msg, sess, text)
	case stateRegisterBirthDate:
		b.msgRegisterBirthDate(msg, sess, text)
	case stateQuickHomework:
		b.msgQuickHomework(msg, sess, text)
	case stateHomeworkDate:
		b.msgHomeworkDate(msg, sess, text)
	case stateHomeworkSubject:
		b.msgHomeworkSubject(msg, sess, text)
	case stateHomeworkTask:
		b.msgHomeworkTask(msg, sess, text)
	case stateAwaitFiles:
		b.msgAwaitFiles(msg, sess)
	case stateBroadcastText:
		b.msgBroadcast(msg, sess, text)
	case stateAdminValue:
		b.msgAdminValue(msg, sess, text)
	default:
		b.sessions.clear(userID)
	}
}

func (b *Bot) msgRegisterName(msg *tgbotapi.Message, sess *session, text string) {
	words := strings.Fields(text)
	if len(words) < 2 {
		b.reply(msg.Chat.ID, "Введите минимум фамилию и имя, например: Иванов Иван", nil)
		return
	}

	sess.state = stateRegisterBirthDate
	sess.fullName = strings.Join(words, " ")
	b.sessions.set(msg.From.ID, sess)
	b.reply(msg.Chat.ID, "📅 Теперь введите дату рождения (ДД.ММ.ГГГГ):", nil)
}

func (b *Bot) msgRegisterBirthDate(msg *tgbotapi.Message, sess *session, text string) {
	// time.Parse rejects impossible dates like 31.02.2005.
	if _, err := time.Parse(birthDateLayout, text); err != nil {
		b.reply(msg.Chat.ID, "Не понял дату. Формат: ДД.ММ.ГГГГ, например 02.09.2005.", nil)
		return
	}

	userID := msg.From.ID
	member := store.Member{
		UserID:    userID,
		Username:  msg.From.UserName,
		FullName:  sess.fullName,
		BirthDate: text,
	}
	if err := b.members.Add(member); err != nil {
		b.logger.Error("Failed to register member", zap.Int64("user_id", userID), zap.Error(err))
		b.reply(msg.Chat.ID, "Не получилось сохранить. Попробуйте /start еще раз.", nil)
		b.sessions.clear(userID)
		return
	}

	b.sessions.clear(userID)
	b.logger.Info("Member registered",
		zap.Int64("user_id", userID),
		zap.String("full_name", sess.fullName))

	saved, _ := b.members.Member(userID)
	b.reply(msg.Chat.ID,
		fmt.Sprintf("✅ Готово, %s! Вы зарегистрированы.\n\n🔔 Настройте уведомления:", sess.fullName),
		notificationKeyboard(saved))
}

func (b *Bot) msgQuickHomework(msg *tgbotapi.Message, sess *session, text string) {
	userID := msg.From.ID
	if text == "" {
		b.reply(msg.Chat.ID, "Напишите задание текстом.", nil)
		return
	}

	if err := b.homework.AddHomework(sess.date, sess.subject, text); err != nil {
		b.logger.Error("Failed to add quick homework", zap.Error(err))
		b.reply(msg.Chat.ID, "Не получилось сохранить, попробуйте еще раз.", nil)
		return
	}

	b.sessions.clear(userID)
	b.reply(msg.Chat.ID, fmt.Sprintf("📝 Записал ДЗ по «%s».", sess.subject), nil)
}

func (b *Bot) msgHomeworkDate(msg *tgbotapi.Message, sess *session, text string) {
	date, err := b.parseDate(text)
	if err != nil {
		b.reply(msg.Chat.ID, "Не понял дату. Формат: ДД.ММ или ДД.ММ.ГГГГ.", nil)
		return
	}

	sess.state = stateHomeworkSubject
	sess.date = date
	b.sessions.set(msg.From.ID, sess)
	b.reply(msg.Chat.ID, "📚 Введите название предмета:", nil)
}

func (b *Bot) msgHomeworkSubject(msg *tgbotapi.Message, sess *session, text string) {
	if text == "" {
		b.reply(msg.Chat.ID, "Введите название предмета текстом.", nil)
		return
	}

	sess.state = stateHomeworkTask
	sess.subject = text
	b.sessions.set(msg.From.ID, sess)

	prompt := "📝 Введите текст задания:"
	if sess.control {
		prompt = "📝 Введите описание контрольного мероприятия:"
	}
	b.reply(msg.Chat.ID, prompt, nil)
}

func (b *Bot) msgHomeworkTask(msg *tgbotapi.Message, sess *session, text string) {
	if text == "" {
		b.reply(msg.Chat.ID, "Введите текст сообщением.", nil)
		return
	}

	var err error
	if sess.control {
		err = b.homework.AddControlMeasure(sess.date, sess.subject, text)
	} else {
		err = b.homework.AddHomework(sess.date, sess.subject, text)
	}
	if err != nil {
		b.logger.Error("Failed to add homework entry", zap.Error(err))
		b.reply(msg.Chat.ID, "Не получилось сохранить, попробуйте еще раз.", nil)
		return
	}

	b.sessions.clear(msg.From.ID)
	what := "ДЗ"
	if sess.control {
		what = "КМ"
	}
	b.reply(msg.Chat.ID,
		fmt.Sprintf("✅ Добавил %s по «%s» на %s.", what, sess.subject, sess.date.Format("02.01")), nil)
}

// msgBroadcast fans the announcement out to every member subscribed to the
// chosen category. One failed delivery does not stop the rest.
func (b *Bot) msgBroadcast(msg *tgbotapi.Message, sess *session, text string) {
	if text == "" {
		b.reply(msg.Chat.ID, "Введите текст рассылки сообщением.", nil)
		return
	}

	b.sessions.clear(msg.From.ID)

	body := fmt.Sprintf("📣 <b>%s</b>\n\n%s", store.NotificationCategories[sess.category], text)
	var sent, failed int
	for _, m := range b.members.Members() {
		if m.UserID == msg.From.ID || !m.Notifications[sess.category] {
			continue
		}
		if _, err := b.tg.SendMessage(m.UserID, body, nil); err != nil {
			failed++
			b.logger.Error("Failed to deliver broadcast",
				zap.Int64("user_id", m.UserID),
				zap.Error(err))
			continue
		}
		sent++
	}

	b.logger.Info("Broadcast finished",
		zap.String("category", sess.category),
		zap.Int("delivered", sent),
		zap.Int("failed", failed))
	b.reply(msg.Chat.ID, fmt.Sprintf("✅ Рассылка отправлена: %d, не доставлено: %d.", sent, failed), nil)
}

// msgAdminValue applies the value an admin typed to the member picked in
// the edit dialog.
func (b *Bot) msgAdminValue(msg *tgbotapi.Message, sess *session, text string) {
	userID := msg.From.ID

	var err error
	switch sess.field {
	case "name":
		if len(strings.Fields(text)) < 2 {
			b.reply(msg.Chat.ID, "Введите минимум фамилию и имя, например: Иванов Иван", nil)
			return
		}
		err = b.members.SetFullName(sess.targetID, strings.Join(strings.Fields(text), " "))
	case "bdate":
		if _, perr := time.Parse(birthDateLayout, text); perr != nil {
			b.reply(msg.Chat.ID, "Не понял дату. Формат: ДД.ММ.ГГГГ, например 02.09.2005.", nil)
			return
		}
		err = b.members.SetBirthDate(sess.targetID, text)
	default:
		b.sessions.clear(userID)
		return
	}

	if err != nil {
		b.logger.Error("Failed to update member",
			zap.Int64("target", sess.targetID),
			zap.String("field", sess.field),
			zap.Error(err))
		b.reply(msg.Chat.ID, "Не получилось сохранить. Попробуйте /admin еще раз.", nil)
		b.sessions.clear(userID)
		return
	}

	b.sessions.clear(userID)
	member, _ := b.members.Member(sess.targetID)
	b.reply(msg.Chat.ID,
		fmt.Sprintf("✅ Обновил: %s, дата рождения %s.", member.FullName, member.BirthDate), nil)
}

func (b *Bot) msgAwaitFiles(msg *tgbotapi.Message, sess *session) {
	if msg.Document == nil {
		b.reply(msg.Chat.ID, "Отправьте файл документом или завершите командой /done.", nil)
		return
	}

	b.schedule.AddLessonFiles(sess.subject, []string{msg.Document.FileID})
	count := len(b.schedule.LessonFiles(sess.subject))
	b.reply(msg.Chat.ID, fmt.Sprintf("📎 Принял (%d). Еще файл или /done.", count), nil)
}
