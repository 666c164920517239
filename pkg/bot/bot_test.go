package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/core/attendance"
	"github.com/ivt301/groupbot/pkg/core/presence"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

const (
	adminID   = int64(1000)
	studentID = int64(2000)
	groupChat = int64(-100)
)

type sentMessage struct {
	chatID int64
	text   string
	rows   [][]telegramclient.Button
}

type fakeTelegram struct {
	sent    []sentMessage
	edits   []sentMessage
	answers []string
	nextID  int
}

func (f *fakeTelegram) SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error) {
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, rows: rows})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTelegram) EditMessageText(chatID int64, _ int, text string, rows [][]telegramclient.Button) error {
	f.edits = append(f.edits, sentMessage{chatID: chatID, text: text, rows: rows})
	return nil
}

func (f *fakeTelegram) EditMessageMarkup(chatID int64, _ int, rows [][]telegramclient.Button) error {
	f.edits = append(f.edits, sentMessage{chatID: chatID, rows: rows})
	return nil
}

func (f *fakeTelegram) AnswerCallback(_ string, text string, _ bool) error {
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTelegram) lastTo(chatID int64) (sentMessage, bool) {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].chatID == chatID {
			return f.sent[i], true
		}
	}
	return sentMessage{}, false
}

type fakeSource struct {
	lessons []schedule.Lesson
}

func (f *fakeSource) Fetch(_ context.Context) ([]schedule.Lesson, error) {
	return f.lessons, nil
}

func newTestBot(t *testing.T) (*Bot, *fakeTelegram) {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	members, err := store.NewMemberStore(dir, logger)
	require.NoError(t, err)
	sched, err := store.NewScheduleStore(dir, logger)
	require.NoError(t, err)
	homework, err := store.NewHomeworkStore(dir, time.UTC, logger)
	require.NoError(t, err)

	tg := &fakeTelegram{}
	att := attendance.NewService(sched, members, tg, groupChat, logger)
	pres := presence.NewChecker(presence.Options{
		Members:     members,
		Messenger:   tg,
		GroupChatID: groupChat,
		Timeout:     time.Hour,
		Logger:      logger,
	})

	b := New(Options{
		Telegram:   tg,
		Source:     &fakeSource{},
		Members:    members,
		Schedule:   sched,
		Homework:   homework,
		Attendance: att,
		Presence:   pres,
		AdminID:    adminID,
		GroupChat:  groupChat,
		Location:   time.UTC,
		Logger:     logger,
	})
	return b, tg
}

func privateMessage(userID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "user"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return msg
}

func callback(userID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: userID, UserName: "user"},
		Message: &tgbotapi.Message{
			MessageID: 5,
			Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		},
		Data: data,
	}
}

func register(t *testing.T, b *Bot, userID int64, fullName, birthDate string) {
	t.Helper()
	ctx := context.Background()
	b.handleCommand(ctx, privateMessage(userID, "/start"))
	b.handleMessage(ctx, privateMessage(userID, fullName))
	b.handleMessage(ctx, privateMessage(userID, birthDate))
	require.True(t, b.members.IsRegistered(userID))
}

func TestRegistrationFlow(t *testing.T) {
	b, tg := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(studentID, "/start"))
	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "ФИО")

	// One word is not enough.
	b.handleMessage(ctx, privateMessage(studentID, "Иванов"))
	last, _ = tg.lastTo(studentID)
	assert.Contains(t, last.text, "минимум фамилию и имя")

	b.handleMessage(ctx, privateMessage(studentID, "Иванов Иван"))
	last, _ = tg.lastTo(studentID)
	assert.Contains(t, last.text, "дату рождения")

	// An impossible date re-prompts.
	b.handleMessage(ctx, privateMessage(studentID, "31.02.2005"))
	last, _ = tg.lastTo(studentID)
	assert.Contains(t, last.text, "Не понял дату")

	b.handleMessage(ctx, privateMessage(studentID, "02.09.2005"))
	last, _ = tg.lastTo(studentID)
	assert.Contains(t, last.text, "Вы зарегистрированы")
	assert.NotEmpty(t, last.rows) // notification panel

	member, ok := b.members.Member(studentID)
	require.True(t, ok)
	assert.Equal(t, "Иванов Иван", member.FullName)
	assert.Equal(t, "02.09.2005", member.BirthDate)
	assert.Equal(t, store.RoleParticipant, member.Role)
}

func TestStartWhenAlreadyRegistered(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")

	b.handleCommand(context.Background(), privateMessage(studentID, "/start"))
	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "уже зарегистрированы")
}

func TestAttendanceCallback(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	require.NoError(t, b.members.SetRole(adminID, store.RoleHeadman))
	register(t, b, studentID, "Иванов Иван", "02.09.2005")

	b.schedule.SaveAttendanceMessage("lesson1", store.AttendanceMessage{
		MessageID:   9,
		LessonName:  "Физика",
		Subject:     "ЛК Физика",
		LessonStart: time.Date(2025, 9, 1, 10, 40, 0, 0, time.UTC),
	})

	ctx := context.Background()
	b.handleCallback(ctx, callback(studentID, "att:lesson1"))
	require.NotEmpty(t, tg.answers)
	assert.Contains(t, tg.answers[len(tg.answers)-1], "Записал")

	// The headman received the roster.
	last, ok := tg.lastTo(adminID)
	require.True(t, ok)
	assert.Contains(t, last.text, "Иванов Иван")

	// Second press is rejected politely.
	b.handleCallback(ctx, callback(studentID, "att:lesson1"))
	assert.Contains(t, tg.answers[len(tg.answers)-1], "уже в списке")
}

func TestAttendanceRequiresRegistration(t *testing.T) {
	b, tg := newTestBot(t)
	b.schedule.SaveAttendanceMessage("lesson1", store.AttendanceMessage{MessageID: 9})

	b.handleCallback(context.Background(), callback(studentID, "att:lesson1"))
	assert.Contains(t, tg.answers[len(tg.answers)-1], "зарегистрируйтесь")
}

func TestNotificationToggle(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")

	b.handleCallback(context.Background(), callback(studentID, "notif:homework"))

	member, _ := b.members.Member(studentID)
	assert.False(t, member.Notifications["homework"])
	require.NotEmpty(t, tg.edits) // panel refreshed

	b.handleCallback(context.Background(), callback(studentID, "notif:homework"))
	member, _ = b.members.Member(studentID)
	assert.True(t, member.Notifications["homework"])
}

func TestNotificationBulkSwitch(t *testing.T) {
	b, _ := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")

	b.handleCallback(context.Background(), callback(studentID, "notif_all:off"))

	member, _ := b.members.Member(studentID)
	for key := range store.NotificationCategories {
		assert.False(t, member.Notifications[key], key)
	}
}

func TestRoleAssignment(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(adminID, "/role 2000"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Иванов Иван")
	require.NotEmpty(t, last.rows)

	// Headman is the first rank in the keyboard.
	b.handleCallback(ctx, callback(adminID, "setrole:2000:0"))

	member, _ := b.members.Member(studentID)
	assert.Equal(t, store.RoleHeadman, member.Role)
}

func TestRoleAssignmentDeniedForStudents(t *testing.T) {
	b, _ := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")

	b.handleCallback(context.Background(), callback(studentID, "setrole:2000:0"))

	member, _ := b.members.Member(studentID)
	assert.Equal(t, store.RoleParticipant, member.Role)
}

func TestQuickHomeworkFlow(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	// Tomorrow, so the entry still counts as upcoming.
	lessonStart := time.Now().UTC().AddDate(0, 0, 1)
	b.schedule.SaveAttendanceMessage("lesson1", store.AttendanceMessage{
		MessageID:   9,
		LessonName:  "Физика",
		Subject:     "ЛК Физика",
		LessonStart: lessonStart,
	})

	b.handleCallback(ctx, callback(studentID, "quick_hw:lesson1"))
	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "Что задали")

	b.handleMessage(ctx, privateMessage(studentID, "задачи 3.1-3.4"))
	last, _ = tg.lastTo(studentID)
	assert.Contains(t, last.text, "Записал ДЗ")

	entries := b.homework.UpcomingHomework()
	require.Len(t, entries, 1)
	assert.Equal(t, "ЛК Физика", entries[0].Subject)
	assert.Equal(t, []string{"задачи 3.1-3.4"}, entries[0].Items)
}

func TestQuickHomeworkWindowExpires(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	b.schedule.SaveAttendanceMessage("lesson1", store.AttendanceMessage{
		MessageID: 9,
		Subject:   "ЛК Физика",
	})
	b.handleCallback(ctx, callback(studentID, "quick_hw:lesson1"))

	b.sessions.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	b.handleMessage(ctx, privateMessage(studentID, "поздно"))

	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "/help")
	assert.Empty(t, b.homework.UpcomingHomework())
}

func TestHomeworkAddFlow(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	ctx := context.Background()

	deadline := time.Now().AddDate(0, 0, 7).Format("02.01.2006")
	b.handleCallback(ctx, callback(adminID, "hw_add"))
	b.handleMessage(ctx, privateMessage(adminID, deadline))
	b.handleMessage(ctx, privateMessage(adminID, "Физика"))
	b.handleMessage(ctx, privateMessage(adminID, "прочитать главу 4"))

	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Добавил ДЗ")

	entries := b.homework.UpcomingHomework()
	require.Len(t, entries, 1)
	assert.Equal(t, "Физика", entries[0].Subject)
}

func TestExamAddAndRemove(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	ctx := context.Background()

	deadline := time.Now().AddDate(0, 0, 7).Format("02.01.2006")
	b.handleCallback(ctx, callback(adminID, "exam_add"))
	b.handleMessage(ctx, privateMessage(adminID, deadline))
	b.handleMessage(ctx, privateMessage(adminID, "Информатика"))
	b.handleMessage(ctx, privateMessage(adminID, "контрольная по циклам"))

	require.Len(t, b.homework.UpcomingControlMeasures(), 1)

	b.handleCommand(ctx, privateMessage(adminID, "/exam_del "+deadline+" Информатика"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Удалено")
	assert.Empty(t, b.homework.UpcomingControlMeasures())
}

func TestFilesFlow(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(adminID, "/files ЛК Физика"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Отправьте файлы")

	doc := privateMessage(adminID, "")
	doc.Document = &tgbotapi.Document{FileID: "file-id-1"}
	b.handleMessage(ctx, doc)

	b.handleCommand(ctx, privateMessage(adminID, "/done"))
	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "прикреплено файлов: 1")

	assert.Equal(t, []string{"file-id-1"}, b.schedule.LessonFiles("ЛК Физика"))
}

func TestPresenceCallbacksHeadmanOnly(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	require.NoError(t, b.members.SetRole(adminID, store.RoleHeadman))
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	b.presence.AskPresence(ctx, "lesson1", "Физика", "10:40 - 12:10")

	// A student pressing the headman button is rejected.
	b.handleCallback(ctx, callback(studentID, "headman_present:lesson1"))
	assert.Contains(t, tg.answers[len(tg.answers)-1], "только для старосты")
	assert.True(t, b.presence.Open("lesson1"))

	b.handleCallback(ctx, callback(adminID, "headman_present:lesson1"))
	assert.False(t, b.presence.Open("lesson1"))
}

func TestAbsenceReasonRoutedFromMessage(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	require.NoError(t, b.members.SetRole(adminID, store.RoleHeadman))
	ctx := context.Background()

	b.presence.AskPresence(ctx, "lesson1", "Физика", "10:40 - 12:10")
	b.handleCallback(ctx, callback(adminID, "headman_absent:lesson1"))
	b.handleMessage(ctx, privateMessage(adminID, "у врача"))

	assert.False(t, b.presence.Open("lesson1"))
	last, ok := tg.lastTo(groupChat)
	require.True(t, ok)
	assert.Contains(t, last.text, "у врача")
}

func TestBroadcastHonorsSubscriptions(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	register(t, b, studentID+1, "Петрова Анна", "15.03.2006")
	require.NoError(t, b.members.SetNotification(studentID+1, "schedule_changes", false))
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(adminID, "/broadcast"))
	last, _ := tg.lastTo(adminID)
	require.NotEmpty(t, last.rows)

	b.handleCallback(ctx, callback(adminID, "bcast:schedule_changes"))
	b.handleMessage(ctx, privateMessage(adminID, "Завтра пары переносятся в А-318"))

	// Subscribed student gets it, unsubscribed one does not.
	got, ok := tg.lastTo(studentID)
	require.True(t, ok)
	assert.Contains(t, got.text, "А-318")

	for _, s := range tg.sent {
		if s.chatID == studentID+1 {
			assert.NotContains(t, s.text, "А-318")
		}
	}

	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "Рассылка отправлена: 1")
}

func TestAdminEditFlow(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, adminID, "Старостин Иван", "01.01.2005")
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(adminID, "/admin"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Чьи данные")
	require.NotEmpty(t, last.rows)

	b.handleCallback(ctx, callback(adminID, "admin_edit:2000"))
	require.NotEmpty(t, tg.edits)
	assert.Contains(t, tg.edits[len(tg.edits)-1].text, "Иванов Иван")

	b.handleCallback(ctx, callback(adminID, "admin_field:2000:name"))
	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "новое ФИО")

	// One word is not enough here either.
	b.handleMessage(ctx, privateMessage(adminID, "Сидоров"))
	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "минимум фамилию и имя")

	b.handleMessage(ctx, privateMessage(adminID, "Сидоров Петр"))
	member, _ := b.members.Member(studentID)
	assert.Equal(t, "Сидоров Петр", member.FullName)

	b.handleCallback(ctx, callback(adminID, "admin_field:2000:bdate"))
	b.handleMessage(ctx, privateMessage(adminID, "31.02.2005"))
	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "Не понял дату")

	b.handleMessage(ctx, privateMessage(adminID, "15.03.2006"))
	member, _ = b.members.Member(studentID)
	assert.Equal(t, "15.03.2006", member.BirthDate)
}

func TestAdminEditDeniedForStudents(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(studentID, "/admin"))
	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "только старостам")

	b.handleCallback(ctx, callback(studentID, "admin_field:2000:name"))
	assert.Contains(t, tg.answers[len(tg.answers)-1], "только старосты")

	member, _ := b.members.Member(studentID)
	assert.Equal(t, "Иванов Иван", member.FullName)
}

type fakeTestClock struct {
	set []time.Time
}

func (f *fakeTestClock) SetTestTime(t time.Time) {
	f.set = append(f.set, t)
}

func TestSetTimeCommand(t *testing.T) {
	b, tg := newTestBot(t)
	clock := &fakeTestClock{}
	b.testClock = clock
	ctx := context.Background()

	b.handleCommand(ctx, privateMessage(adminID, "/settime 01.09.2025 10:30"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Часы бота переведены")
	require.Len(t, clock.set, 1)
	assert.Equal(t, time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC), clock.set[0])

	// Bare time means today.
	b.handleCommand(ctx, privateMessage(adminID, "/settime 08:15"))
	require.Len(t, clock.set, 2)
	now := time.Now().UTC()
	assert.Equal(t, time.Date(now.Year(), now.Month(), now.Day(), 8, 15, 0, 0, time.UTC), clock.set[1])

	b.handleCommand(ctx, privateMessage(adminID, "/settime вчера"))
	last, _ = tg.lastTo(adminID)
	assert.Contains(t, last.text, "Формат")
	assert.Len(t, clock.set, 2)
}

func TestSetTimeOutsideTestMode(t *testing.T) {
	b, tg := newTestBot(t)

	b.handleCommand(context.Background(), privateMessage(adminID, "/settime 10:30"))
	last, _ := tg.lastTo(adminID)
	assert.Contains(t, last.text, "Тестовый режим выключен")
}

func TestMyID(t *testing.T) {
	b, tg := newTestBot(t)

	b.handleCommand(context.Background(), privateMessage(studentID, "/myid"))
	last, _ := tg.lastTo(studentID)
	assert.Contains(t, last.text, "2000")
}

func TestAdminCommandsDenied(t *testing.T) {
	b, tg := newTestBot(t)
	register(t, b, studentID, "Иванов Иван", "02.09.2005")
	ctx := context.Background()

	for _, cmd := range []string{"/members", "/role 1", "/files Физика", "/homework_del 08.09 Физика", "/admin", "/settime 10:00"} {
		b.handleCommand(ctx, privateMessage(studentID, cmd))
		last, _ := tg.lastTo(studentID)
		assert.Contains(t, last.text, "только старостам", cmd)
	}
}
