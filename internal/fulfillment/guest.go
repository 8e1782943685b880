package fulfillment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fulfillment/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const setupTokenTTL = 7 * 24 * time.Hour

// FindOrCreateUserForGuest returns the user for email, creating a passwordless
// account plus a setup token when none exists. token is empty for existing users.
func (p *Processor) FindOrCreateUserForGuest(ctx context.Context, email, name string) (userID, token string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", "", errors.New("guest email is empty")
	}
	db := p.db.WithContext(ctx)

	var u model.User
	err = db.Where("email = ?", email).Take(&u).Error
	if err == nil {
		return u.ID, "", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("lookup guest user: %w", err)
	}

	token, err = newSetupToken()
	if err != nil {
		return "", "", err
	}
	u = model.User{Email: email}
	if n := strings.TrimSpace(name); n != "" {
		u.Name = &n
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&u).Error; err != nil {
			return err
		}
		return tx.Create(&model.VerificationToken{
			Identifier: email,
			Token:      token,
			Expires:    p.now().Add(setupTokenTTL),
		}).Error
	})
	if err != nil {
		// 并发下另一条请求已创建同邮箱用户：回读即可。
		if isUniqueViolation(err) {
			var existing model.User
			if rerr := db.Where("email = ?", email).Take(&existing).Error; rerr == nil {
				return existing.ID, "", nil
			}
		}
		return "", "", fmt.Errorf("create guest user: %w", err)
	}

	p.log.Info("created account for guest checkout", slog.String("user_id", u.ID))
	return u.ID, token, nil
}

// resolveUser links guest orders to an account and persists the link on the order.
func (p *Processor) resolveUser(ctx context.Context, o *model.Order, c model.Checkout) (userID, token string, err error) {
	hasUser := o.UserID != nil && *o.UserID != ""
	guestEmail := ""
	if o.GuestEmail != nil {
		guestEmail = *o.GuestEmail
	}
	if guestEmail == "" {
		guestEmail = c.CustomerEmail
	}

	converted, _ := o.Metadata["convertedFromGuest"].(bool)
	needsGuest := c.IsGuestCheckout || !hasUser
	if !needsGuest || guestEmail == "" || (hasUser && converted) {
		if hasUser {
			return *o.UserID, "", nil
		}
		return "", "", nil
	}

	name := c.CustomerName
	if o.GuestName != nil && *o.GuestName != "" {
		name = *o.GuestName
	}
	userID, token, err = p.FindOrCreateUserForGuest(ctx, guestEmail, name)
	if err != nil {
		return "", "", err
	}

	meta := make(map[string]any, len(o.Metadata)+2)
	for k, v := range o.Metadata {
		meta[k] = v
	}
	meta["convertedFromGuest"] = true
	meta["convertedAt"] = p.now().Format(time.RFC3339)

	if err := p.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{"user_id": userID, "metadata": datatypes.JSONMap(meta)}).Error; err != nil {
		return "", "", fmt.Errorf("link order to user: %w", err)
	}
	o.UserID = &userID
	o.Metadata = datatypes.JSONMap(meta)
	return userID, token, nil
}

func newSetupToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate setup token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// isUniqueViolation matches both gorm's translated error and raw driver messages.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate entry")
}
