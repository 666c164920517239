package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	b.logger.Debug("Command received",
		zap.String("command", msg.Command()),
		zap.Int64("user_id", userID))

	switch msg.Command() {
	case "start":
		b.cmdStart(msg)
	case "help":
		b.reply(chatID, b.helpText(userID), nil)
	case "myid":
		b.reply(chatID, fmt.Sprintf("Ваш ID: <code>%d</code>", userID), nil)
	case "week":
		week := schedule.AcademicWeekNumber(time.Now().In(b.loc))
		b.reply(chatID, fmt.Sprintf("Сейчас идет %d-я учебная неделя.", week), nil)
	case "schedule":
		b.reply(chatID, "📅 Выберите период:", scheduleKeyboard())
	case "homework":
		b.cmdHomework(chatID, userID)
	case "exams":
		b.cmdExams(chatID, userID)
	case "homework_del":
		b.cmdRemove(chatID, userID, msg.CommandArguments(), false)
	case "exam_del":
		b.cmdRemove(chatID, userID, msg.CommandArguments(), true)
	case "notifications":
		b.cmdNotifications(msg)
	case "members":
		b.cmdMembers(chatID, userID)
	case "role":
		b.cmdRole(chatID, userID, msg.CommandArguments())
	case "broadcast":
		b.cmdBroadcast(msg)
	case "admin":
		b.cmdAdmin(msg)
	case "settime":
		b.cmdSetTime(chatID, userID, msg.CommandArguments())
	case "files":
		b.cmdFiles(msg)
	case "done":
		b.cmdDone(chatID, userID)
	default:
		b.reply(chatID, "Неизвестная команда. Список команд: /help", nil)
	}
}

func (b *Bot) cmdStart(msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, "Напишите мне в личные сообщения, чтобы зарегистрироваться.", nil)
		return
	}

	userID := msg.From.ID
	if b.members.IsRegistered(userID) {
		b.reply(msg.Chat.ID, "Вы уже зарегистрированы.\n\n"+b.helpText(userID), nil)
		return
	}

	b.sessions.set(userID, &session{state: stateRegisterName})
	b.reply(msg.Chat.ID,
		"👋 Привет! Давайте зарегистрируемся.\n\nВведите ваше ФИО (минимум фамилию и имя):", nil)
}

func (b *Bot) helpText(userID int64) string {
	var sb strings.Builder
	sb.WriteString("📖 <b>Команды</b>\n\n")
	sb.WriteString("/schedule — расписание\n")
	sb.WriteString("/week — номер учебной недели\n")
	sb.WriteString("/homework — домашние задания\n")
	sb.WriteString("/exams — контрольные мероприятия\n")
	sb.WriteString("/notifications — настройка уведомлений\n")
	sb.WriteString("/myid — ваш Telegram ID\n")

	if b.isAdmin(userID) {
		sb.WriteString("\n<b>Для старост</b>\n")
		sb.WriteString("/members — список участников\n")
		sb.WriteString("/role ID — назначить роль\n")
		sb.WriteString("/admin — поправить данные участника\n")
		sb.WriteString("/broadcast — рассылка по подписчикам\n")
		sb.WriteString("/files предмет — прикрепить материалы к паре\n")
		sb.WriteString("/homework_del дата предмет [номер] — удалить ДЗ\n")
		sb.WriteString("/exam_del дата предмет [номер] — удалить КМ\n")
	}
	return sb.String()
}

func (b *Bot) cmdHomework(chatID, userID int64) {
	entries := b.homework.UpcomingHomework()
	text := formatEntries("📝 <b>Домашние задания</b>", entries, "Домашних заданий пока нет.")
	b.reply(chatID, text, homeworkKeyboard(b.isAdmin(userID)))
}

func (b *Bot) cmdExams(chatID, userID int64) {
	entries := b.homework.UpcomingControlMeasures()
	text := formatEntries("📊 <b>Контрольные мероприятия</b>", entries, "Контрольных мероприятий не запланировано.")
	b.reply(chatID, text, homeworkKeyboard(b.isAdmin(userID)))
}

// cmdRemove handles "/homework_del 08.09 Физика [2]" and the exam variant.
// Without a number the whole subject entry for the date is dropped.
func (b *Bot) cmdRemove(chatID, userID int64, args string, control bool) {
	if !b.isAdmin(userID) {
		b.reply(chatID, "Команда доступна только старостам.", nil)
		return
	}

	fields := strings.Fields(args)
	if len(fields) < 2 {
		b.reply(chatID, "Формат: дата предмет [номер]. Например: 08.09 Физика 2", nil)
		return
	}

	date, err := b.parseDate(fields[0])
	if err != nil {
		b.reply(chatID, "Не понял дату. Формат: ДД.ММ или ДД.ММ.ГГГГ.", nil)
		return
	}

	index := -1
	subjectFields := fields[1:]
	if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil && len(fields) > 2 {
		index = n - 1
		subjectFields = fields[1 : len(fields)-1]
	}
	subject := strings.Join(subjectFields, " ")

	var removed bool
	if control {
		removed = b.homework.RemoveControlMeasure(date, subject, index)
	} else {
		removed = b.homework.RemoveHomework(date, subject, index)
	}

	if !removed {
		b.reply(chatID, "Ничего не нашел по этой дате и предмету.", nil)
		return
	}
	b.reply(chatID, "🗑 Удалено.", nil)
}

func (b *Bot) cmdNotifications(msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, "Настройка уведомлений доступна в личных сообщениях.", nil)
		return
	}

	member, ok := b.members.Member(msg.From.ID)
	if !ok {
		b.reply(msg.Chat.ID, "Сначала зарегистрируйтесь: /start", nil)
		return
	}
	b.reply(msg.Chat.ID, "🔔 <b>Уведомления</b>\n\nВыберите, что хотите получать:", notificationKeyboard(member))
}

func (b *Bot) cmdMembers(chatID, userID int64) {
	if !b.isAdmin(userID) {
		b.reply(chatID, "Команда доступна только старостам.", nil)
		return
	}

	members := b.members.Members()
	if len(members) == 0 {
		b.reply(chatID, "Пока никто не зарегистрировался.", nil)
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("👥 <b>Участники</b> (%d)\n\n", len(members)))
	for i, m := range members {
		sb.WriteString(fmt.Sprintf("%d. %s — %s", i+1, m.FullName, m.Role))
		if m.Username != "" {
			sb.WriteString(" (@" + m.Username + ")")
		}
		sb.WriteString(fmt.Sprintf("\n    ID: <code>%d</code>\n", m.UserID))
	}
	b.reply(chatID, sb.String(), nil)
}

func (b *Bot) cmdRole(chatID, userID int64, args string) {
	if !b.isAdmin(userID) {
		b.reply(chatID, "Команда доступна только старостам.", nil)
		return
	}

	target, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		b.reply(chatID, "Формат: /role ID. Список ID — в /members.", nil)
		return
	}

	member, ok := b.members.Member(target)
	if !ok {
		b.reply(chatID, "Участник с таким ID не зарегистрирован.", nil)
		return
	}

	b.reply(chatID,
		fmt.Sprintf("Выберите роль для <b>%s</b> (сейчас: %s):", member.FullName, member.Role),
		roleKeyboard(target))
}

func (b *Bot) cmdBroadcast(msg *tgbotapi.Message) {
	if !b.isAdmin(msg.From.ID) {
		b.reply(msg.Chat.ID, "Команда доступна только старостам.", nil)
		return
	}
	if !msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, "Рассылка запускается в личных сообщениях.", nil)
		return
	}

	b.reply(msg.Chat.ID, "📣 Кому отправить рассылку?", broadcastKeyboard())
}

// cmdAdmin opens the member-edit dialog: pick a member, pick a field, send
// the new value.
func (b *Bot) cmdAdmin(msg *tgbotapi.Message) {
	if !b.isAdmin(msg.From.ID) {
		b.reply(msg.Chat.ID, "Команда доступна только старостам.", nil)
		return
	}
	if !msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, "Редактирование доступно в личных сообщениях.", nil)
		return
	}

	members := b.members.Members()
	if len(members) == 0 {
		b.reply(msg.Chat.ID, "Пока никто не зарегистрировался.", nil)
		return
	}
	b.reply(msg.Chat.ID, "🛠 Чьи данные нужно поправить?", adminMembersKeyboard(members))
}

// cmdSetTime moves the notifier clock in test mode. Accepts "ЧЧ:ММ" for
// today or "ДД.ММ.ГГГГ ЧЧ:ММ".
func (b *Bot) cmdSetTime(chatID, userID int64, args string) {
	if !b.isAdmin(userID) {
		b.reply(chatID, "Команда доступна только старостам.", nil)
		return
	}
	if b.testClock == nil {
		b.reply(chatID, "Тестовый режим выключен.", nil)
		return
	}

	args = strings.TrimSpace(args)
	now := time.Now().In(b.loc)

	var t time.Time
	var err error
	if t, err = time.ParseInLocation("02.01.2006 15:04", args, b.loc); err != nil {
		var clock time.Time
		clock, err = time.Parse("15:04", args)
		if err == nil {
			t = time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, b.loc)
		}
	}
	if err != nil {
		b.reply(chatID, "Формат: /settime ЧЧ:ММ или /settime ДД.ММ.ГГГГ ЧЧ:ММ", nil)
		return
	}

	b.testClock.SetTestTime(t)
	b.reply(chatID, fmt.Sprintf("🧪 Часы бота переведены на %s.", t.Format("02.01.2006 15:04")), nil)
}

func (b *Bot) cmdFiles(msg *tgbotapi.Message) {
	userID := msg.From.ID
	if !b.isAdmin(userID) {
		b.reply(msg.Chat.ID, "Команда доступна только старостам.", nil)
		return
	}

	subject := strings.TrimSpace(msg.CommandArguments())
	if subject == "" {
		files := b.schedule.AllLessonFiles()
		if len(files) == 0 {
			b.reply(msg.Chat.ID, "Материалов пока нет. Формат: /files предмет — затем отправьте файлы.", nil)
			return
		}
		var sb strings.Builder
		sb.WriteString("📎 <b>Материалы</b>\n\n")
		for name, ids := range files {
			sb.WriteString(fmt.Sprintf("• %s — %d файл(ов)\n", name, len(ids)))
		}
		b.reply(msg.Chat.ID, sb.String(), nil)
		return
	}

	if !msg.Chat.IsPrivate() {
		b.reply(msg.Chat.ID, "Прикрепление материалов доступно в личных сообщениях.", nil)
		return
	}

	b.sessions.set(userID, &session{
		state:    stateAwaitFiles,
		subject:  subject,
		deadline: time.Now().Add(quickHomeworkWindow),
	})
	b.reply(msg.Chat.ID,
		fmt.Sprintf("Отправьте файлы для «%s». Когда закончите — /done.", subject), nil)
}

func (b *Bot) cmdDone(chatID, userID int64) {
	sess, ok := b.sessions.get(userID)
	if !ok || sess.state != stateAwaitFiles {
		b.reply(chatID, "Нет активного диалога.", nil)
		return
	}

	b.sessions.clear(userID)
	files := b.schedule.LessonFiles(sess.subject)
	b.reply(chatID, fmt.Sprintf("Готово. К «%s» прикреплено файлов: %d.", sess.subject, len(files)), nil)
}

// parseDate accepts ДД.ММ and ДД.ММ.ГГГГ. A short date that already passed
// this year rolls over to the next one.
func (b *Bot) parseDate(raw string) (time.Time, error) {
	if t, err := time.ParseInLocation("02.01.2006", raw, b.loc); err == nil {
		return t, nil
	}

	t, err := time.ParseInLocation("02.01", raw, b.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", raw, err)
	}

	now := time.Now().In(b.loc)
	date := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.loc)
	if date.Before(now.AddDate(0, 0, -1)) {
		date = date.AddDate(1, 0, 0)
	}
	return date, nil
}

func formatEntries(header string, entries []store.Entry, empty string) string {
	var sb strings.Builder
	sb.WriteString(header + "\n")

	if len(entries) == 0 {
		sb.WriteString("\n" + empty)
		return sb.String()
	}

	lastDate := ""
	for _, e := range entries {
		date := e.Date.Format("02.01 (Mon)")
		if date != lastDate {
			sb.WriteString(fmt.Sprintf("\n📅 <b>%s</b>\n", e.Date.Format("02.01")))
			lastDate = date
		}
		sb.WriteString("  " + e.Subject + "\n")
		for i, item := range e.Items {
			sb.WriteString(fmt.Sprintf("    %d. %s\n", i+1, item))
		}
	}
	return sb.String()
}
