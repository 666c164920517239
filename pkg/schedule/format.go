package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var dayNames = []string{"Понедельник", "Вторник", "Среда", "Четверг", "Пятница", "Суббота", "Воскресенье"}

var kindEmoji = map[string]string{
	"ЛК":  "📖",
	"ПР":  "✏️",
	"ЛАБ": "🔬",
}

// KindEmoji returns the emoji for a lesson-kind prefix, with a generic
// fallback for unknown kinds.
func KindEmoji(kind string) string {
	if e, ok := kindEmoji[kind]; ok {
		return e
	}
	return "📚"
}

// FormatSchedule renders a multi-day schedule as an HTML Telegram message,
// grouped by day. Parallel subgroup entries sharing a time slot and title are
// merged, combining their rooms.
func FormatSchedule(lessons []Lesson, periodName string) string {
	if len(lessons) == 0 {
		return fmt.Sprintf("В этой %s пар нет! 🎉", periodName)
	}

	type dayKey struct {
		y, d int
		m    time.Month
	}
	var order []dayKey
	days := make(map[dayKey][]Lesson)

	for _, l := range lessons {
		y, m, d := l.Start.Date()
		k := dayKey{y, d, m}
		if _, ok := days[k]; !ok {
			order = append(order, k)
		}
		days[k] = append(days[k], l)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		return time.Date(a.y, a.m, a.d, 0, 0, 0, 0, time.UTC).Before(time.Date(b.y, b.m, b.d, 0, 0, 0, 0, time.UTC))
	})

	var sb strings.Builder
	for _, k := range order {
		dayLessons := mergeParallel(days[k])
		date := dayLessons[0].Start

		sb.WriteString("\n")
		sb.WriteString(strings.Repeat("━", 12))
		sb.WriteString(fmt.Sprintf("\n📅 <b>%s (%s)</b>\n", dayNames[(int(date.Weekday())+6)%7], date.Format("02.01")))

		for i, l := range dayLessons {
			kind, name := SplitTitle(l.Title)
			sb.WriteString(fmt.Sprintf("\n<b>%d️⃣  %s %s</b>\n🕐 %s - %s",
				i+1, kind, name, l.Start.Format("15:04"), l.End.Format("15:04")))
			if l.Location != "" {
				sb.WriteString(fmt.Sprintf("  •  📍 %s\n", l.Location))
			} else {
				sb.WriteString("\n")
			}
			if teacher := ExtractTeacherName(l.Teacher); teacher != "" {
				sb.WriteString(fmt.Sprintf("👤 Преподаватель: <b>%s</b>\n", teacher))
			}
		}
	}

	return sb.String()
}

// FormatDayList renders a compact numbered list for one day, used by the
// greeting posts.
func FormatDayList(lessons []Lesson) string {
	var sb strings.Builder
	for i, l := range lessons {
		kind, name := SplitTitle(l.Title)
		sb.WriteString(fmt.Sprintf("\n<b>%d️⃣  %s %s</b>\n🕐 %s - %s",
			i+1, kind, name, l.Start.Format("15:04"), l.End.Format("15:04")))
		if l.Location != "" {
			sb.WriteString(fmt.Sprintf("  •  📍 %s", l.Location))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// mergeParallel collapses subgroup duplicates: same slot and title, different
// rooms. Rooms are unioned; a missing teacher is backfilled from the twin.
func mergeParallel(dayLessons []Lesson) []Lesson {
	type slotKey struct {
		slot  string
		title string
	}
	var order []slotKey
	merged := make(map[slotKey]*Lesson)

	for _, l := range dayLessons {
		k := slotKey{l.Start.Format("15:04") + "-" + l.End.Format("15:04"), l.Title}
		existing, ok := merged[k]
		if !ok {
			cp := l
			merged[k] = &cp
			order = append(order, k)
			continue
		}

		rooms := make(map[string]bool)
		for _, r := range strings.Fields(existing.Location + " " + l.Location) {
			rooms[r] = true
		}
		var roomList []string
		for r := range rooms {
			roomList = append(roomList, r)
		}
		sort.Strings(roomList)
		existing.Location = strings.Join(roomList, " ")

		if existing.Teacher == "" && l.Teacher != "" {
			existing.Teacher = l.Teacher
		}
	}

	out := make([]Lesson, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
