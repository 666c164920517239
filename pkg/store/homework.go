package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivt301/groupbot/pkg/schedule"
)

const dateLayout = "2006-01-02"

// Entry is one upcoming homework task or exam, flattened out of the nested
// week/date/subject document for listing.
type Entry struct {
	Date    time.Time
	Subject string
	Items   []string
}

// weekMap is the nested document shape: academic week -> date -> subject ->
// entries.
type weekMap map[string]map[string]map[string][]string

type homeworkDocument struct {
	Homework        weekMap `json:"homework"`
	ControlMeasures weekMap `json:"control_measures"`
}

// CleanupResult summarizes one past-week cleanup pass.
type CleanupResult struct {
	CurrentWeek          int
	RemovedHomeworkWeeks []int
	RemovedControlWeeks  []int
}

// HomeworkStore persists homework tasks and exams ("control measures") keyed
// by academic week number, then date, then subject.
type HomeworkStore struct {
	mu     sync.Mutex
	path   string
	data   homeworkDocument
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// NewHomeworkStore loads (or initializes) the homework document under dataDir.
func NewHomeworkStore(dataDir string, loc *time.Location, logger *zap.Logger) (*HomeworkStore, error) {
	s := &HomeworkStore{
		path:   filepath.Join(dataDir, "homework_data.json"),
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
	if err := loadDocument(s.path, &s.data); err != nil {
		return nil, fmt.Errorf("failed to load homework store: %w", err)
	}
	if s.data.Homework == nil {
		s.data.Homework = make(weekMap)
	}
	if s.data.ControlMeasures == nil {
		s.data.ControlMeasures = make(weekMap)
	}
	return s, nil
}

// AddHomework records a homework task for a subject on a date.
func (s *HomeworkStore) AddHomework(date time.Time, subject, task string) error {
	return s.add(&s.data.Homework, date, subject, task)
}

// AddControlMeasure records an exam or test for a subject on a date.
func (s *HomeworkStore) AddControlMeasure(date time.Time, subject, description string) error {
	return s.add(&s.data.ControlMeasures, date, subject, description)
}

func (s *HomeworkStore) add(m *weekMap, date time.Time, subject, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	week := strconv.Itoa(schedule.AcademicWeekNumber(date))
	day := date.Format(dateLayout)

	if (*m)[week] == nil {
		(*m)[week] = make(map[string]map[string][]string)
	}
	if (*m)[week][day] == nil {
		(*m)[week][day] = make(map[string][]string)
	}
	(*m)[week][day][subject] = append((*m)[week][day][subject], item)

	return s.persistLocked()
}

// HomeworkForWeek returns the date->subject->tasks slice of a week.
func (s *HomeworkStore) HomeworkForWeek(week int) map[string]map[string][]string {
	return s.weekSnapshot(s.data.Homework, week)
}

// ControlMeasuresForWeek returns the date->subject->entries slice of a week.
func (s *HomeworkStore) ControlMeasuresForWeek(week int) map[string]map[string][]string {
	return s.weekSnapshot(s.data.ControlMeasures, week)
}

func (s *HomeworkStore) weekSnapshot(m weekMap, week int) map[string]map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := m[strconv.Itoa(week)]
	out := make(map[string]map[string][]string, len(src))
	for day, subjects := range src {
		out[day] = make(map[string][]string, len(subjects))
		for subject, items := range subjects {
			out[day][subject] = append([]string(nil), items...)
		}
	}
	return out
}

// UpcomingHomework returns all homework on or after today, sorted by date.
func (s *HomeworkStore) UpcomingHomework() []Entry {
	return s.upcoming(s.data.Homework)
}

// UpcomingControlMeasures returns all exams on or after today, sorted by date.
func (s *HomeworkStore) UpcomingControlMeasures() []Entry {
	return s.upcoming(s.data.ControlMeasures)
}

func (s *HomeworkStore) upcoming(m weekMap) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	var out []Entry
	for _, days := range m {
		for day, subjects := range days {
			date, err := time.ParseInLocation(dateLayout, day, s.loc)
			if err != nil || date.Before(today) {
				continue
			}
			for subject, items := range subjects {
				if len(items) == 0 {
					continue
				}
				out = append(out, Entry{
					Date:    date,
					Subject: subject,
					Items:   append([]string(nil), items...),
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// RemoveHomework deletes one task (or, with index -1, the whole subject) on a
// date. Returns false when nothing matched.
func (s *HomeworkStore) RemoveHomework(date time.Time, subject string, index int) bool {
	return s.remove(&s.data.Homework, date, subject, index)
}

// RemoveControlMeasure deletes one exam entry (or the whole subject) on a
// date.
func (s *HomeworkStore) RemoveControlMeasure(date time.Time, subject string, index int) bool {
	return s.remove(&s.data.ControlMeasures, date, subject, index)
}

func (s *HomeworkStore) remove(m *weekMap, date time.Time, subject string, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	week := strconv.Itoa(schedule.AcademicWeekNumber(date))
	day := date.Format(dateLayout)

	subjects, ok := (*m)[week][day]
	if !ok {
		return false
	}
	items, ok := subjects[subject]
	if !ok {
		return false
	}

	if index == -1 {
		delete(subjects, subject)
	} else {
		if index < 0 || index >= len(items) {
			return false
		}
		subjects[subject] = append(items[:index], items[index+1:]...)
	}

	// Drop empty levels so the document doesn't accumulate husks.
	if len(subjects) == 0 {
		delete((*m)[week], day)
	}
	if len((*m)[week]) == 0 {
		delete(*m, week)
	}

	if err := s.persistLocked(); err != nil {
		return false
	}
	return true
}

// CleanupPastWeeks drops every week strictly before the current academic
// week from both documents.
func (s *HomeworkStore) CleanupPastWeeks() CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := schedule.AcademicWeekNumber(s.now().In(s.loc))
	result := CleanupResult{CurrentWeek: current}

	for week := range s.data.Homework {
		if n, err := strconv.Atoi(week); err == nil && n < current {
			result.RemovedHomeworkWeeks = append(result.RemovedHomeworkWeeks, n)
			delete(s.data.Homework, week)
		}
	}
	for week := range s.data.ControlMeasures {
		if n, err := strconv.Atoi(week); err == nil && n < current {
			result.RemovedControlWeeks = append(result.RemovedControlWeeks, n)
			delete(s.data.ControlMeasures, week)
		}
	}

	sort.Ints(result.RemovedHomeworkWeeks)
	sort.Ints(result.RemovedControlWeeks)

	if len(result.RemovedHomeworkWeeks) > 0 || len(result.RemovedControlWeeks) > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("Failed to persist cleanup", zap.Error(err))
		}
		s.logger.Info("Cleaned up past weeks",
			zap.Int("current_week", current),
			zap.Ints("homework_weeks", result.RemovedHomeworkWeeks),
			zap.Ints("control_weeks", result.RemovedControlWeeks))
	}

	return result
}

func (s *HomeworkStore) persistLocked() error {
	if err := saveDocument(s.path, &s.data); err != nil {
		s.logger.Error("Failed to save homework store", zap.Error(err))
		return err
	}
	return nil
}
