// Package cms reads course structure from the content CMS.
package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrCourseNotFound = errors.New("course not found in cms")

type Lesson struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	DripDays int    `json:"dripDays"`
}

type Module struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Lessons []Lesson `json:"lessons"`
}

type Course struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	RequiredTier string   `json:"requiredTier,omitempty"`
	DripEnabled  bool     `json:"dripEnabled"`
	Modules      []Module `json:"modules"`
}

// LessonCount is the number of lessons across all modules.
func (c *Course) LessonCount() int {
	n := 0
	for _, m := range c.Modules {
		n += len(m.Lessons)
	}
	return n
}

// Lesson finds a lesson by id.
func (c *Course) Lesson(lessonID string) (Lesson, bool) {
	for _, m := range c.Modules {
		for _, l := range m.Lessons {
			if l.ID == lessonID {
				return l, true
			}
		}
	}
	return Lesson{}, false
}

// HasLesson reports whether lessonID belongs to the course.
func (c *Course) HasLesson(lessonID string) bool {
	_, ok := c.Lesson(lessonID)
	return ok
}

// AvailableAt is when a lesson unlocks for a user enrolled at enrolledAt.
func (c *Course) AvailableAt(l Lesson, enrolledAt time.Time) time.Time {
	if c.DripEnabled && l.DripDays > 0 {
		return enrolledAt.Add(time.Duration(l.DripDays) * 24 * time.Hour)
	}
	return enrolledAt
}

// Catalog looks up a course by id.
type Catalog interface {
	Course(ctx context.Context, id string) (*Course, error)
}

// Client is the HTTP catalog backed by the CMS REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Course(ctx context.Context, id string) (*Course, error) {
	endpoint := c.baseURL + "/courses/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cms request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, id)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cms status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var course Course
	if err := json.NewDecoder(resp.Body).Decode(&course); err != nil {
		return nil, fmt.Errorf("decode cms course: %w", err)
	}
	if course.ID == "" {
		course.ID = id
	}
	return &course, nil
}
