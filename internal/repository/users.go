package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facepay/internal/pose"
)

// User is a registered account with its six face scans.
type User struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Name          string    `gorm:"column:name;size:128;not null"`
	Email         string    `gorm:"column:email;uniqueIndex;size:255;not null"`
	Phone         string    `gorm:"column:phone;uniqueIndex;size:10;not null"`
	AccountNumber string    `gorm:"column:account_number;uniqueIndex;size:10;not null"`
	PasswordHash  string    `gorm:"column:password_hash;not null"`
	PINHash       string    `gorm:"column:pin_hash;not null"`
	FaceFront     string    `gorm:"column:face_front;type:text"`
	FaceLeft      string    `gorm:"column:face_left;type:text"`
	FaceRight     string    `gorm:"column:face_right;type:text"`
	FaceUp        string    `gorm:"column:face_up;type:text"`
	FaceDown      string    `gorm:"column:face_down;type:text"`
	FaceSmileTilt string    `gorm:"column:face_smile_tilt;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

func (u *User) faceSlot(p pose.Pose) *string {
	switch p {
	case pose.Front:
		return &u.FaceFront
	case pose.Left:
		return &u.FaceLeft
	case pose.Right:
		return &u.FaceRight
	case pose.Up:
		return &u.FaceUp
	case pose.Down:
		return &u.FaceDown
	case pose.SmileTilt:
		return &u.FaceSmileTilt
	}
	return nil
}

// SetFaceURLs copies the scan URLs onto the user.
func (u *User) SetFaceURLs(urls map[pose.Pose]string) {
	for p, url := range urls {
		if slot := u.faceSlot(p); slot != nil {
			*slot = url
		}
	}
}

// FaceURLs returns the scans keyed by pose label.
func (u *User) FaceURLs() map[string]string {
	out := make(map[string]string, pose.Count)
	for _, p := range pose.Sequence {
		if url := *u.faceSlot(p); url != "" {
			out[p.String()] = url
		}
	}
	return out
}

// UserRepository provides persistence APIs for accounts.
type UserRepository struct {
	base
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{base: newBase(db, logger, "user_repository")}
}

// Create inserts user. Unique collisions return ErrDuplicate.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	err := r.executeWithRetry(ctx, "repository.create_user", user.Email, func() error {
		return translate(r.db.WithContext(ctx).Create(user).Error)
	})
	return err
}

// Exists reports whether any of email, phone or account number is taken.
func (r *UserRepository) Exists(ctx context.Context, email, phone, accountNumber string) (bool, error) {
	var count int64
	err := r.executeWithRetry(ctx, "repository.user_exists", email, func() error {
		return r.db.WithContext(ctx).Model(&User{}).
			Where("email = ? OR phone = ? OR account_number = ?", email, phone, accountNumber).
			Count(&count).Error
	})
	return count > 0, err
}

// FindByEmail loads the user with email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.first(ctx, "repository.find_user_by_email", email, "email = ?", email)
}

// FindByID loads the user with id.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.first(ctx, "repository.find_user_by_id", id, "id = ?", id)
}

func (r *UserRepository) first(ctx context.Context, operation, subject, query string, arg interface{}) (*User, error) {
	var user User
	err := r.executeWithRetry(ctx, operation, subject, func() error {
		return translate(r.db.WithContext(ctx).First(&user, query, arg).Error)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
