package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduleStore(t *testing.T) *ScheduleStore {
	t.Helper()
	s, err := NewScheduleStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestScheduleStore_NotifiedSet(t *testing.T) {
	s := newTestScheduleStore(t)

	assert.False(t, s.WasNotified("abc"))
	s.MarkNotified("abc")
	assert.True(t, s.WasNotified("abc"))
	assert.False(t, s.WasNotified("def"))
}

func TestScheduleStore_NotifiedPruning(t *testing.T) {
	s := newTestScheduleStore(t)

	base := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.MarkNotified("old")

	// Within the retention window the marker holds.
	s.now = func() time.Time { return base.Add(23 * time.Hour) }
	assert.True(t, s.WasNotified("old"))

	// Past the window it is pruned and the lesson becomes eligible again.
	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	assert.False(t, s.WasNotified("old"))
}

func TestScheduleStore_NotifiedSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScheduleStore(dir, zap.NewNop())
	require.NoError(t, err)
	s.MarkNotified("abc")

	reloaded, err := NewScheduleStore(dir, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, reloaded.WasNotified("abc"))
}

func TestScheduleStore_AttendanceRequestIdempotent(t *testing.T) {
	s := newTestScheduleStore(t)

	req := AttendanceRequest{ID: "r1", UserID: 10, FullName: "Иванов"}
	assert.True(t, s.AddAttendanceRequest("lesson1", req))
	assert.False(t, s.AddAttendanceRequest("lesson1", req))

	// Different lesson, same user: independent.
	assert.True(t, s.AddAttendanceRequest("lesson2", req))

	assert.Len(t, s.AttendanceList("lesson1"), 1)

	s.ClearAttendanceList("lesson1")
	assert.Empty(t, s.AttendanceList("lesson1"))
}

func TestScheduleStore_LessonFilesFuzzyMatch(t *testing.T) {
	s := newTestScheduleStore(t)

	s.AddLessonFiles("Физика", []string{"file-1", "file-2"})
	s.AddLessonFiles("Физика", []string{"file-2", "file-3"})

	files := s.LessonFiles("ЛК Физика")
	assert.Equal(t, []string{"file-1", "file-2", "file-3"}, files)

	assert.Nil(t, s.LessonFiles("История"))

	s.RemoveLessonFiles("Физика")
	assert.Nil(t, s.LessonFiles("ЛК Физика"))
}

func TestScheduleStore_LessonFilesMatchIsDeterministic(t *testing.T) {
	s := newTestScheduleStore(t)

	// Both stored names loosely match the query; the longest must win no
	// matter the map iteration order.
	s.AddLessonFiles("Физика", []string{"short"})
	s.AddLessonFiles("ЛК Физика", []string{"long"})

	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"long"}, s.LessonFiles("ЛК Физика (А-404)"))
	}

	// An exact stored name beats any fuzzy candidate.
	assert.Equal(t, []string{"short"}, s.LessonFiles("Физика"))
}

func TestScheduleStore_AttendanceMessage(t *testing.T) {
	s := newTestScheduleStore(t)

	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	s.SaveAttendanceMessage("lesson1", AttendanceMessage{
		LessonName:   "Физика",
		Subject:      "ЛК Физика",
		LessonStart:  start,
		BreakMinutes: 30,
	})

	msg, ok := s.GetAttendanceMessage("lesson1")
	require.True(t, ok)
	assert.Equal(t, 0, msg.MessageID)
	assert.Equal(t, 30, msg.BreakMinutes)

	msg.MessageID = 555
	s.SaveAttendanceMessage("lesson1", msg)

	msg, ok = s.GetAttendanceMessage("lesson1")
	require.True(t, ok)
	assert.Equal(t, 555, msg.MessageID)
	assert.Equal(t, start, msg.LessonStart)
}
