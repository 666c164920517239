package bot

import (
	"sync"
	"time"
)

// quickHomeworkWindow is how long the quick-add prompt under a lesson
// notification stays open.
const quickHomeworkWindow = 5 * time.Minute

type sessionState int

const (
	stateNone sessionState = iota
	stateRegisterName
	stateRegisterBirthDate
	stateQuickHomework
	stateHomeworkDate
	stateHomeworkSubject
	stateHomeworkTask
	stateAwaitFiles
	stateBroadcastText
	stateAdminValue
)

// session is one user's open dialog. Dialogs are private-chat only, so the
// user id is a sufficient key.
type session struct {
	state    sessionState
	lessonID string
	subject  string
	date     time.Time
	fullName string
	// control distinguishes the exam flow from the homework flow.
	control bool
	// category is the subscription key a broadcast targets.
	category string
	// targetID and field identify the member and attribute an admin edits.
	targetID int64
	field    string
	// deadline, when set, expires the session.
	deadline time.Time
}

type sessions struct {
	mu  sync.Mutex
	m   map[int64]*session
	now func() time.Time
}

func newSessions() *sessions {
	return &sessions{m: map[int64]*session{}, now: time.Now}
}

func (s *sessions) get(userID int64) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.m[userID]
	if !ok {
		return nil, false
	}
	if !sess.deadline.IsZero() && s.now().After(sess.deadline) {
		delete(s.m, userID)
		return nil, false
	}
	return sess, true
}

func (s *sessions) set(userID int64, sess *session) {
	s.mu.Lock()
	s.m[userID] = sess
	s.mu.Unlock()
}

func (s *sessions) clear(userID int64) {
	s.mu.Lock()
	delete(s.m, userID)
	s.mu.Unlock()
}
