package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 账户；由访客结账自动创建的账户没有密码。
type User struct {
	ID            string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Email         string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name          *string    `gorm:"size:255" json:"name,omitempty"`
	Password      *string    `gorm:"size:255" json:"-"`
	EmailVerified *time.Time `json:"email_verified,omitempty"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// VerificationToken lets a guest-created account set its password later.
type VerificationToken struct {
	Identifier string    `gorm:"size:255;not null;index" json:"identifier"`
	Token      string    `gorm:"size:64;primaryKey" json:"token"`
	Expires    time.Time `gorm:"not null" json:"expires"`
}

func (VerificationToken) TableName() string { return "verification_tokens" }
