package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
)

type fakeSource struct {
	lessons []schedule.Lesson
	err     error
}

func (f *fakeSource) Fetch(_ context.Context) ([]schedule.Lesson, error) {
	return f.lessons, f.err
}

type fakeStore struct {
	notified map[string]bool
	saved    map[string][]store.AttendanceMessage
	files    map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notified: map[string]bool{},
		saved:    map[string][]store.AttendanceMessage{},
		files:    map[string][]string{},
	}
}

func (f *fakeStore) WasNotified(id string) bool { return f.notified[id] }
func (f *fakeStore) MarkNotified(id string)     { f.notified[id] = true }
func (f *fakeStore) ClearNotified()             { f.notified = map[string]bool{} }
func (f *fakeStore) SaveAttendanceMessage(id string, msg store.AttendanceMessage) {
	f.saved[id] = append(f.saved[id], msg)
}
func (f *fakeStore) LessonFiles(name string) []string { return f.files[name] }

type sentMessage struct {
	chatID int64
	text   string
	rows   [][]telegramclient.Button
}

type fakeMessenger struct {
	sent      []sentMessage
	docGroups [][]string
	nextID    int
	err       error
}

func (f *fakeMessenger) SendMessage(chatID int64, text string, rows [][]telegramclient.Button) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, rows: rows})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeMessenger) SendDocumentGroup(_ int64, fileIDs []string, _ int) error {
	f.docGroups = append(f.docGroups, fileIDs)
	return nil
}

type fakePresence struct {
	asked []string
}

func (f *fakePresence) AskPresence(_ context.Context, lessonID, _, _ string) {
	f.asked = append(f.asked, lessonID)
}

func lessonAt(day time.Time, startHour, startMin int, duration time.Duration, title string) schedule.Lesson {
	start := time.Date(day.Year(), day.Month(), day.Day(), startHour, startMin, 0, 0, day.Location())
	return schedule.Lesson{
		Title:    title,
		Location: "А-404",
		Start:    start,
		End:      start.Add(duration),
	}
}

func newTestNotifier(src *fakeSource, st *fakeStore, msg *fakeMessenger, pres *fakePresence) *Notifier {
	opts := Options{
		Source:        src,
		Store:         st,
		Messenger:     msg,
		ChatID:        -100,
		Location:      time.UTC,
		Interval:      time.Minute,
		NotifyMinutes: 10,
		TestMode:      true,
		Logger:        zap.NewNop(),
	}
	// Assign only a non-nil *fakePresence: a nil pointer wrapped in the
	// interface would defeat the notifier's nil check.
	if pres != nil {
		opts.Presence = pres
	}
	return New(opts)
}

func TestTickNotifiesWithinWindow(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	lesson := lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика")

	src := &fakeSource{lessons: []schedule.Lesson{lesson}}
	st := newFakeStore()
	msg := &fakeMessenger{}
	pres := &fakePresence{}
	n := newTestNotifier(src, st, msg, pres)

	n.SetTestTime(time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, n.tick(context.Background()))

	require.Len(t, msg.sent, 1)
	assert.Contains(t, msg.sent[0].text, "Через 10 минут")
	assert.Contains(t, msg.sent[0].text, "Физика")
	assert.Contains(t, msg.sent[0].text, "А-404")

	require.Len(t, msg.sent[0].rows, 2)
	id := LessonID(lesson.Start, lesson.Title)
	assert.Equal(t, "att:"+id, msg.sent[0].rows[0][0].Data)
	assert.Equal(t, "quick_hw:"+id, msg.sent[0].rows[1][0].Data)

	assert.True(t, st.notified[id])
	require.Len(t, pres.asked, 1)
	assert.Equal(t, id, pres.asked[0])

	// Saved before and after the send; the last write carries the real id.
	require.Len(t, st.saved[id], 2)
	assert.Zero(t, st.saved[id][0].MessageID)
	assert.Equal(t, 1, st.saved[id][1].MessageID)
	assert.Equal(t, 10, st.saved[id][1].BreakMinutes)
}

func TestTickIgnoresLessonsOutsideWindow(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	lesson := lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика")

	src := &fakeSource{lessons: []schedule.Lesson{lesson}}
	st := newFakeStore()
	msg := &fakeMessenger{}
	n := newTestNotifier(src, st, msg, nil)

	for _, now := range []time.Time{
		time.Date(2025, 9, 1, 10, 25, 0, 0, time.UTC), // too early
		time.Date(2025, 9, 1, 10, 35, 0, 0, time.UTC), // too late
	} {
		n.SetTestTime(now)
		require.NoError(t, n.tick(context.Background()))
	}

	assert.Empty(t, msg.sent)
}

func TestTickDoesNotRenotify(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	lesson := lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика")

	src := &fakeSource{lessons: []schedule.Lesson{lesson}}
	st := newFakeStore()
	msg := &fakeMessenger{}
	n := newTestNotifier(src, st, msg, nil)

	n.SetTestTime(time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, n.tick(context.Background()))
	// One minute later, still inside the window.
	n.mu.Lock()
	n.testTime = time.Date(2025, 9, 1, 10, 31, 0, 0, time.UTC)
	n.mu.Unlock()
	require.NoError(t, n.tick(context.Background()))

	assert.Len(t, msg.sent, 1)
}

func TestTickRetriesAfterSendFailure(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	lesson := lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика")

	src := &fakeSource{lessons: []schedule.Lesson{lesson}}
	st := newFakeStore()
	msg := &fakeMessenger{err: assert.AnError}
	n := newTestNotifier(src, st, msg, nil)

	n.SetTestTime(time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, n.tick(context.Background()))

	id := LessonID(lesson.Start, lesson.Title)
	assert.False(t, st.notified[id])

	msg.err = nil
	require.NoError(t, n.tick(context.Background()))
	assert.Len(t, msg.sent, 1)
	assert.True(t, st.notified[id])
}

func TestTickUsesLongBreakOffset(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	first := lessonAt(day, 9, 0, 90*time.Minute, "ПР Математический анализ") // ends 10:30
	second := lessonAt(day, 11, 0, 90*time.Minute, "ЛК Физика")              // 30-minute break

	src := &fakeSource{lessons: []schedule.Lesson{first, second}}
	st := newFakeStore()
	msg := &fakeMessenger{}
	n := newTestNotifier(src, st, msg, nil)

	// 30 minutes before the second lesson, which would miss the base
	// 10-minute window entirely.
	n.SetTestTime(time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, n.tick(context.Background()))

	require.Len(t, msg.sent, 1)
	assert.Contains(t, msg.sent[0].text, "Через 30 минут")

	id := LessonID(second.Start, second.Title)
	require.Len(t, st.saved[id], 2)
	assert.Equal(t, 30, st.saved[id][1].BreakMinutes)
}

func TestTickAttachesLessonFiles(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	lesson := lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика")

	src := &fakeSource{lessons: []schedule.Lesson{lesson}}
	st := newFakeStore()
	st.files["ЛК Физика"] = []string{"file-id-1", "file-id-2"}
	msg := &fakeMessenger{}
	n := newTestNotifier(src, st, msg, nil)

	n.SetTestTime(time.Date(2025, 9, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, n.tick(context.Background()))

	require.Len(t, msg.docGroups, 1)
	assert.Equal(t, []string{"file-id-1", "file-id-2"}, msg.docGroups[0])
	assert.Contains(t, msg.sent[0].text, "2 файл(ов)")
}

func TestNotifyMinutesFor(t *testing.T) {
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		today  []schedule.Lesson
		index  int
		expect int
	}{
		{
			name:   "first lesson of the day",
			today:  []schedule.Lesson{lessonAt(day, 9, 0, 90*time.Minute, "ЛК Физика")},
			index:  0,
			expect: 10,
		},
		{
			name: "short break keeps base offset",
			today: []schedule.Lesson{
				lessonAt(day, 9, 0, 90*time.Minute, "ПР Математический анализ"), // ends 10:30
				lessonAt(day, 10, 40, 90*time.Minute, "ЛК Физика"),              // 10-minute break
			},
			index:  1,
			expect: 10,
		},
		{
			name: "long break moves the offset earlier",
			today: []schedule.Lesson{
				lessonAt(day, 9, 0, 90*time.Minute, "ПР Математический анализ"), // ends 10:30
				lessonAt(day, 11, 0, 90*time.Minute, "ЛК Физика"),
			},
			index:  1,
			expect: 30,
		},
		{
			name: "gap beyond 35 minutes is not a break",
			today: []schedule.Lesson{
				lessonAt(day, 9, 0, 90*time.Minute, "ПР Математический анализ"),
				lessonAt(day, 12, 0, 90*time.Minute, "ЛК Физика"),
			},
			index:  1,
			expect: 10,
		},
		{
			name: "picks the closest preceding lesson",
			today: []schedule.Lesson{
				lessonAt(day, 9, 0, 90*time.Minute, "ПР Математический анализ"),
				lessonAt(day, 10, 40, 90*time.Minute, "ПР Физика"), // ends 12:10
				lessonAt(day, 12, 40, 90*time.Minute, "ЛК Информатика"),
			},
			index:  2,
			expect: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, NotifyMinutesFor(tt.today, tt.index, 10))
		})
	}
}

func TestLessonID(t *testing.T) {
	start := time.Date(2025, 9, 1, 10, 40, 0, 0, time.UTC)

	id := LessonID(start, "ЛК Физика")
	assert.Len(t, id, 16)
	assert.Equal(t, id, LessonID(start, "ЛК Физика"))

	assert.NotEqual(t, id, LessonID(start.Add(24*time.Hour), "ЛК Физика"))
	assert.NotEqual(t, id, LessonID(start, "ПР Физика"))
}
