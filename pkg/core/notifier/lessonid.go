package notifier

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// LessonID derives a stable identifier for one lesson occurrence from its
// start instant and raw title. Distinct occurrences of the same subject get
// distinct ids, so the notified set and attendance records never collide
// across days.
func LessonID(start time.Time, title string) string {
	sum := md5.Sum([]byte(start.Format("200601021504") + "_" + title))
	return hex.EncodeToString(sum[:])[:16]
}
