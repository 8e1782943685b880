package courseaccess

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LessonStatus struct {
	LessonID    string    `json:"lesson_id"`
	ModuleID    string    `json:"module_id"`
	Title       string    `json:"title"`
	AvailableAt time.Time `json:"available_at"`
	Unlocked    bool      `json:"unlocked"`
	Completed   bool      `json:"completed"`
}

type Schedule struct {
	CourseID        string         `json:"course_id"`
	HasAccess       bool           `json:"has_access"`
	EnrolledAt      *time.Time     `json:"enrolled_at,omitempty"`
	ProgressPercent float64        `json:"progress_percent"`
	Lessons         []LessonStatus `json:"lessons"`
}

// LessonSchedule returns per-lesson availability. With drip enabled a lesson
// unlocks dripDays after enrollment.
func (s *Service) LessonSchedule(ctx context.Context, userID, courseID string) (*Schedule, error) {
	out := &Schedule{CourseID: courseID, Lessons: []LessonStatus{}}

	ok, err := s.HasAccess(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return out, nil
	}
	out.HasAccess = true

	db := s.db.WithContext(ctx)
	now := s.now()
	enrolledAt := now
	var progress model.CourseProgress
	err = db.Where("user_id = ? AND course_id = ?", userID, courseID).Take(&progress).Error
	switch {
	case err == nil:
		enrolledAt = progress.EnrolledAt
		out.EnrolledAt = &enrolledAt
		out.ProgressPercent = progress.ProgressPercent
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("load course progress: %w", err)
	}

	if s.catalog == nil {
		return out, nil
	}
	course, err := s.catalog.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}

	var done []model.LessonProgress
	if err := db.Where("user_id = ? AND course_id = ?", userID, courseID).Find(&done).Error; err != nil {
		return nil, fmt.Errorf("load lesson progress: %w", err)
	}
	completed := make(map[string]bool, len(done))
	for _, lp := range done {
		completed[lp.LessonID] = true
	}

	for _, m := range course.Modules {
		for _, l := range m.Lessons {
			available := course.AvailableAt(l, enrolledAt)
			out.Lessons = append(out.Lessons, LessonStatus{
				LessonID:    l.ID,
				ModuleID:    m.ID,
				Title:       l.Title,
				AvailableAt: available,
				Unlocked:    !now.Before(available),
				Completed:   completed[l.ID],
			})
		}
	}
	return out, nil
}

// CompleteLesson marks a lesson done and recomputes the course percentage.
// Completing the same lesson twice is a no-op.
func (s *Service) CompleteLesson(ctx context.Context, userID, courseID, lessonID string) (*model.CourseProgress, error) {
	ok, err := s.HasAccess(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoAccess
	}

	now := s.now()
	total := 0
	if s.catalog != nil {
		course, err := s.catalog.Course(ctx, courseID)
		if err != nil {
			return nil, err
		}
		lesson, ok := course.Lesson(lessonID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLesson, lessonID)
		}
		enrolledAt, err := s.enrolledAt(ctx, userID, courseID, now)
		if err != nil {
			return nil, err
		}
		if at := course.AvailableAt(lesson, enrolledAt); now.Before(at) {
			return nil, fmt.Errorf("%w: %s until %s", ErrLessonLocked, lessonID, at.Format(time.RFC3339))
		}
		total = course.LessonCount()
	}

	var progress model.CourseProgress
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lp := model.LessonProgress{UserID: userID, LessonID: lessonID, CourseID: courseID, CompletedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "lesson_id"}},
			DoNothing: true,
		}).Create(&lp).Error; err != nil {
			return fmt.Errorf("upsert lesson progress: %w", err)
		}

		// membership-gated access has no enrollment row yet
		if err := s.enroll(tx, userID, courseID, now); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&model.LessonProgress{}).
			Where("user_id = ? AND course_id = ?", userID, courseID).
			Count(&count).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"completed_lessons": int(count),
			"last_accessed_at":  now,
		}
		if total > 0 {
			pct := math.Min(100, math.Round(float64(count)*10000/float64(total))/100)
			updates["progress_percent"] = pct
			if pct >= 100 {
				updates["completed_at"] = now
			}
		}
		if err := tx.Model(&model.CourseProgress{}).
			Where("user_id = ? AND course_id = ?", userID, courseID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("update course progress: %w", err)
		}
		return tx.Where("user_id = ? AND course_id = ?", userID, courseID).Take(&progress).Error
	})
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

// enrolledAt falls back to now when no enrollment row exists yet (membership access).
func (s *Service) enrolledAt(ctx context.Context, userID, courseID string, now time.Time) (time.Time, error) {
	var progress model.CourseProgress
	err := s.db.WithContext(ctx).Where("user_id = ? AND course_id = ?", userID, courseID).Take(&progress).Error
	switch {
	case err == nil:
		return progress.EnrolledAt, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return now, nil
	default:
		return time.Time{}, fmt.Errorf("load course progress: %w", err)
	}
}
