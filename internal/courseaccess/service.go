// Package courseaccess grants course entitlements and tracks lesson progress.
package courseaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/cms"
	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoAccess      = errors.New("user has no access to course")
	ErrUnknownLesson = errors.New("lesson does not belong to course")
	ErrLessonLocked  = errors.New("lesson is not unlocked yet")
)

type Service struct {
	db      *gorm.DB
	catalog cms.Catalog
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the wall clock used for expiry and drip checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the service. catalog may be nil; drip schedules and tier gating then degrade to
// entitlement-only checks.
func NewService(db *gorm.DB, catalog cms.Catalog, opts ...Option) *Service {
	s := &Service{
		db:      db,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Grant is one course purchase to materialise.
type Grant struct {
	UserID     string
	CourseID   string
	CourseName string
	OrderID    string
}

// CreateCourseEntitlement creates the COURSE entitlement for g and enrolls the user.
// It is idempotent on (user, course, order) and never resets existing progress.
// tx may be nil to run outside a caller transaction.
func (s *Service) CreateCourseEntitlement(ctx context.Context, tx *gorm.DB, g Grant) (*model.Entitlement, bool, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)
	now := s.now()

	var ent model.Entitlement
	created := false
	err := tx.Where("user_id = ? AND type = ? AND resource_id = ? AND order_id = ?",
		g.UserID, model.EntitlementCourse, g.CourseID, g.OrderID).
		Take(&ent).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		orderID := g.OrderID
		ent = model.Entitlement{
			CreatedAt:    now,
			UserID:       g.UserID,
			Type:         model.EntitlementCourse,
			ResourceID:   g.CourseID,
			ResourceName: g.CourseName,
			OrderID:      &orderID,
		}
		if err := tx.Create(&ent).Error; err != nil {
			return nil, false, fmt.Errorf("create course entitlement: %w", err)
		}
		created = true
	default:
		return nil, false, fmt.Errorf("lookup course entitlement: %w", err)
	}

	if err := s.enroll(tx, g.UserID, g.CourseID, now); err != nil {
		return nil, false, err
	}
	return &ent, created, nil
}

func (s *Service) enroll(tx *gorm.DB, userID, courseID string, now time.Time) error {
	progress := model.CourseProgress{UserID: userID, CourseID: courseID, EnrolledAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "course_id"}},
		DoNothing: true,
	}).Create(&progress).Error
	if err != nil {
		return fmt.Errorf("upsert course progress: %w", err)
	}
	return nil
}

// HasAccess is true for an active COURSE entitlement, or an active membership of the course's required tier.
func (s *Service) HasAccess(ctx context.Context, userID, courseID string) (bool, error) {
	ok, err := s.activeGrant(ctx, userID, model.EntitlementCourse, courseID)
	if err != nil || ok {
		return ok, err
	}
	if s.catalog == nil {
		return false, nil
	}
	course, err := s.catalog.Course(ctx, courseID)
	if err != nil {
		if errors.Is(err, cms.ErrCourseNotFound) {
			return false, nil
		}
		return false, err
	}
	if course.RequiredTier == "" {
		return false, nil
	}
	return s.activeGrant(ctx, userID, model.EntitlementMembership, course.RequiredTier)
}

func (s *Service) activeGrant(ctx context.Context, userID string, t model.EntitlementType, resourceID string) (bool, error) {
	var ents []model.Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND resource_id = ? AND revoked = ?", userID, t, resourceID, false).
		Find(&ents).Error
	if err != nil {
		return false, fmt.Errorf("query entitlements: %w", err)
	}
	now := s.now()
	for i := range ents {
		if ents[i].Active(now) {
			return true, nil
		}
	}
	return false, nil
}
