package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// browserUserAgent keeps the feed endpoint from rejecting the request; the
// schedule site serves an error page to unknown clients.
const browserUserAgent = "Mozilla/5.0"

// icalContentPattern locates the escaped iCalendar payload embedded in the
// JSON the schedule page returns.
var icalContentPattern = regexp.MustCompile(`"iCalContent"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Feed fetches the remote schedule page and produces expanded lessons.
// Any network or parse failure surfaces as an error so the caller can treat
// the whole poll cycle as a no-op and retry on the next interval.
type Feed struct {
	url    string
	loc    *time.Location
	client *http.Client
	logger *zap.Logger
}

// NewFeed creates a feed reader for the given URL.
func NewFeed(url string, loc *time.Location, logger *zap.Logger) *Feed {
	return &Feed{
		url:    url,
		loc:    loc,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Fetch downloads the feed and returns the expanded lesson list.
func (f *Feed) Fetch(ctx context.Context) ([]Lesson, error) {
	ics, err := f.fetchICS(ctx)
	if err != nil {
		return nil, err
	}

	lessons, err := ParseSchedule(ics, f.loc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}

	f.logger.Debug("Schedule feed fetched", zap.Int("lessons", len(lessons)))
	return lessons, nil
}

// fetchICS downloads the schedule page and extracts the iCalendar stream
// from its embedded JSON.
func (f *Feed) fetchICS(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch schedule feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("schedule feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read feed response: %w", err)
	}

	m := icalContentPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("iCalContent not found in feed response")
	}

	// The payload is a JSON string literal; let the JSON decoder resolve
	// \n, \" and \uXXXX escapes.
	var ics string
	if err := json.Unmarshal([]byte(`"`+string(m[1])+`"`), &ics); err != nil {
		return "", fmt.Errorf("failed to decode iCalContent: %w", err)
	}

	return ics, nil
}
