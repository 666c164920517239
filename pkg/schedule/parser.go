package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Lesson represents a single concrete occurrence of a timetable event after
// recurrence expansion. Recurring instances share title, location and teacher
// with their origin event but carry their own start and end.
type Lesson struct {
	Title    string
	Location string
	Teacher  string
	Start    time.Time
	End      time.Time
}

// icsProperty is one unfolded content line of an iCalendar stream.
type icsProperty struct {
	name   string
	params map[string]string
	value  string
}

// rawEvent collects the VEVENT fields we care about before expansion.
type rawEvent struct {
	start   time.Time
	end     time.Time
	title   string
	loc     string
	teacher string
	rrule   string
	rdates  []time.Time
	exdates []time.Time
}

// ParseSchedule parses an iCalendar stream and expands every recurring event
// into concrete lessons within the current term. The returned list is flat,
// deduplicated and unordered; callers slice it per day or week.
func ParseSchedule(ics string, loc *time.Location) ([]Lesson, error) {
	if strings.TrimSpace(ics) == "" {
		return nil, fmt.Errorf("empty calendar stream")
	}

	events, err := parseEvents(ics, loc)
	if err != nil {
		return nil, err
	}

	var lessons []Lesson
	seen := make(map[string]bool)

	add := func(l Lesson) {
		key := l.Start.Format("200601021504") + "|" + l.Title + "|" + l.Location
		if seen[key] {
			return
		}
		seen[key] = true
		lessons = append(lessons, l)
	}

	for _, ev := range events {
		base := Lesson{
			Title:    ev.title,
			Location: ev.loc,
			Teacher:  ev.teacher,
			Start:    ev.start,
			End:      ev.end,
		}
		add(base)

		if ev.rrule == "" && len(ev.rdates) == 0 && len(ev.exdates) == 0 {
			continue
		}

		occurrences, err := expandOccurrences(ev, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to expand recurrence for %q: %w", ev.title, err)
		}

		duration := ev.end.Sub(ev.start)
		for _, occ := range occurrences {
			if occ.Equal(ev.start) {
				continue
			}
			add(Lesson{
				Title:    ev.title,
				Location: ev.loc,
				Teacher:  ev.teacher,
				Start:    occ.In(loc),
				End:      occ.In(loc).Add(duration),
			})
		}
	}

	return lessons, nil
}

// expandOccurrences builds an rrule set for one event and enumerates it from
// the origin through the end of the term. An UNTIL inside the rule still wins
// because the library honors it within Between.
func expandOccurrences(ev rawEvent, loc *time.Location) ([]time.Time, error) {
	set := rrule.Set{}
	set.DTStart(ev.start)

	if ev.rrule != "" {
		opt, err := rrule.StrToROptionInLocation(ev.rrule, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rrule %q: %w", ev.rrule, err)
		}
		opt.Dtstart = ev.start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("failed to build rrule %q: %w", ev.rrule, err)
		}
		set.RRule(r)
	}

	for _, rd := range ev.rdates {
		set.RDate(rd)
	}
	for _, ed := range ev.exdates {
		set.ExDate(ed)
	}

	return set.Between(ev.start, termEnd(ev.start), true), nil
}

// termEnd is the expansion horizon: the end of the semester containing the
// event origin. Autumn terms run through December 31, spring terms through
// June 30.
func termEnd(start time.Time) time.Time {
	if start.Month() >= time.July {
		return time.Date(start.Year(), time.December, 31, 23, 59, 0, 0, start.Location())
	}
	return time.Date(start.Year(), time.June, 30, 23, 59, 0, 0, start.Location())
}

// parseEvents walks the unfolded iCalendar lines and collects VEVENT blocks.
func parseEvents(ics string, loc *time.Location) ([]rawEvent, error) {
	var events []rawEvent
	var cur *rawEvent

	for _, line := range unfoldLines(ics) {
		prop, ok := parseProperty(line)
		if !ok {
			continue
		}

		switch prop.name {
		case "BEGIN":
			if prop.value == "VEVENT" {
				cur = &rawEvent{}
			}
		case "END":
			if prop.value == "VEVENT" && cur != nil {
				if !cur.start.IsZero() {
					if cur.end.IsZero() {
						cur.end = cur.start
					}
					events = append(events, *cur)
				}
				cur = nil
			}
		}

		if cur == nil {
			continue
		}

		switch prop.name {
		case "DTSTART":
			t, err := parseICSTime(prop, loc, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("failed to parse DTSTART %q: %w", prop.value, err)
			}
			cur.start = t
		case "DTEND":
			t, err := parseICSTime(prop, loc, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("failed to parse DTEND %q: %w", prop.value, err)
			}
			// Date-valued DTEND means "end of that day".
			if prop.params["VALUE"] == "DATE" {
				t = t.Add(23*time.Hour + 59*time.Minute)
			}
			cur.end = t
		case "SUMMARY":
			cur.title = strings.TrimSpace(unescapeText(prop.value))
		case "LOCATION":
			cur.loc = strings.TrimSpace(unescapeText(prop.value))
		case "DESCRIPTION":
			cur.teacher = strings.TrimSpace(unescapeText(prop.value))
		case "RRULE":
			cur.rrule = prop.value
		case "RDATE":
			cur.rdates = append(cur.rdates, parseDateList(prop, loc, cur.start)...)
		case "EXDATE":
			cur.exdates = append(cur.exdates, parseDateList(prop, loc, cur.start)...)
		}
	}

	return events, nil
}

// unfoldLines normalizes line endings and joins folded continuation lines
// (RFC 5545 folds long lines with a leading space or tab).
func unfoldLines(ics string) []string {
	normalized := strings.ReplaceAll(ics, "\r\n", "\n")
	raw := strings.Split(normalized, "\n")

	var lines []string
	for _, line := range raw {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// parseProperty splits "NAME;PARAM=V;PARAM=V:VALUE" into its parts.
func parseProperty(line string) (icsProperty, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return icsProperty{}, false
	}

	head := line[:idx]
	prop := icsProperty{
		params: make(map[string]string),
		value:  line[idx+1:],
	}

	parts := strings.Split(head, ";")
	prop.name = strings.ToUpper(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			prop.params[strings.ToUpper(k)] = strings.Trim(v, `"`)
		}
	}

	if prop.name == "" {
		return icsProperty{}, false
	}
	return prop, true
}

// parseICSTime parses a single DATE or DATE-TIME value. Floating times are
// interpreted in the configured timezone, matching how the feed publishes
// local lesson times; date-only values become midnight.
func parseICSTime(prop icsProperty, loc *time.Location, dayTime time.Time) (time.Time, error) {
	value := strings.TrimSpace(prop.value)

	tzLoc := loc
	if tzid := prop.params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			tzLoc = l
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(loc), nil
	case len(value) == 8 || prop.params["VALUE"] == "DATE":
		t, err := time.ParseInLocation("20060102", value[:8], loc)
		if err != nil {
			return time.Time{}, err
		}
		if !dayTime.IsZero() {
			// Inherit the origin's time of day for date-only RDATE/EXDATE.
			t = time.Date(t.Year(), t.Month(), t.Day(),
				dayTime.Hour(), dayTime.Minute(), dayTime.Second(), 0, loc)
		}
		return t, nil
	default:
		t, err := time.ParseInLocation("20060102T150405", value, tzLoc)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(loc), nil
	}
}

// parseDateList parses the comma-separated value of an RDATE/EXDATE line.
// Unparseable entries are dropped rather than failing the whole feed.
func parseDateList(prop icsProperty, loc *time.Location, dayTime time.Time) []time.Time {
	var out []time.Time
	for _, v := range strings.Split(prop.value, ",") {
		p := prop
		p.value = v
		t, err := parseICSTime(p, loc, dayTime)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// unescapeText undoes iCalendar TEXT escaping.
func unescapeText(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}

var (
	serviceKeywords = []string{"неделя", "расписание", "каникулы", "выходной", "праздник"}
	timeRangeTitle  = regexp.MustCompile(`^\d{2}:\d{2}\s*-\s*\d{2}:\d{2}$`)
	groupCode       = regexp.MustCompile(`[А-ЯЁA-Z]{1,5}-\d{1,3}-\d{1,3}`)
	parenthetical   = regexp.MustCompile(`\s*\([^)]*\)\s*`)
	teacherPrefix   = regexp.MustCompile(`(?i)преподаватель\s*:?\s*`)
	groupsMarker    = regexp.MustCompile(`(?i)группы:`)
	titleKind       = regexp.MustCompile(`^(ЛК|ПР|ЛАБ)\s+(.+)$`)
)

// IsServiceEvent reports whether a title is a week marker, holiday or other
// non-lesson calendar noise.
func IsServiceEvent(title string) bool {
	lower := strings.ToLower(strings.TrimSpace(title))
	for _, kw := range serviceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return timeRangeTitle.MatchString(lower)
}

// SplitTitle splits "ЛК Физика" into its kind prefix and subject name.
// Titles without a known prefix come back with an empty kind.
func SplitTitle(title string) (kind, name string) {
	if m := titleKind.FindStringSubmatch(title); m != nil {
		return m[1], m[2]
	}
	return "", title
}

// ExtractTeacherName pulls a clean lecturer name out of the DESCRIPTION blob,
// which also carries group codes and audience lists.
func ExtractTeacherName(raw string) string {
	if raw == "" {
		return ""
	}

	t := raw
	if loc := groupsMarker.FindStringIndex(t); loc != nil {
		t = t[:loc[0]]
	}
	t = teacherPrefix.ReplaceAllString(t, "")
	t = groupCode.ReplaceAllString(t, "")
	t = parenthetical.ReplaceAllString(t, " ")

	for _, part := range strings.Split(t, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			return strings.Join(strings.Fields(part), " ")
		}
	}
	return strings.TrimSpace(t)
}

// LessonsOn returns the sorted, service-filtered lessons on the given day.
func LessonsOn(lessons []Lesson, day time.Time) []Lesson {
	y, m, d := day.Date()
	var out []Lesson
	for _, l := range lessons {
		ly, lm, ld := l.Start.Date()
		if ly == y && lm == m && ld == d && !IsServiceEvent(l.Title) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// WeekLessons returns the sorted lessons falling within the week that starts
// on the given Monday.
func WeekLessons(lessons []Lesson, weekStart time.Time) []Lesson {
	start := time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, weekStart.Location())
	end := start.AddDate(0, 0, 7)

	var out []Lesson
	for _, l := range lessons {
		if !l.Start.Before(start) && l.Start.Before(end) && !IsServiceEvent(l.Title) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// WeekStart returns the Monday of the week containing d, at midnight.
func WeekStart(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	day := d.AddDate(0, 0, -offset)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, d.Location())
}

// AcademicWeekNumber numbers weeks from September 1 of the current academic
// year, starting at 1.
func AcademicWeekNumber(d time.Time) int {
	year := d.Year()
	if d.Month() < time.September {
		year--
	}
	semesterStart := time.Date(year, time.September, 1, 0, 0, 0, 0, d.Location())
	if d.Before(semesterStart) {
		semesterStart = semesterStart.AddDate(-1, 0, 0)
	}
	days := int(d.Sub(semesterStart).Hours() / 24)
	return days/7 + 1
}
