package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/example/facepay/internal/auth"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/repository"
	"github.com/example/facepay/internal/storage"
)

var (
	// ErrUserExists is returned when email, phone or account number is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned for an unknown email or a wrong PIN.
	ErrInvalidCredentials = errors.New("invalid email or pin")
	// ErrUserNotFound is returned by Profile for unknown users.
	ErrUserNotFound = errors.New("user not found")
)

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// UserRepository defines the account persistence operations needed by the use case.
type UserRepository interface {
	Create(ctx context.Context, user *repository.User) error
	Exists(ctx context.Context, email, phone, accountNumber string) (bool, error)
	FindByEmail(ctx context.Context, email string) (*repository.User, error)
	FindByID(ctx context.Context, id string) (*repository.User, error)
}

// FaceFile is one uploaded scan.
type FaceFile struct {
	Pose        pose.Pose
	Data        []byte
	ContentType string
}

// RegisterInput is the finalize-registration request.
type RegisterInput struct {
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	Phone         string            `json:"phone"`
	Password      string            `json:"password"`
	PIN           string            `json:"pin"`
	AccountNumber string            `json:"account_number"`
	ScannedImage  map[string]string `json:"scannedImage"`
}

// Profile is the safe projection of a user; hashes never leave the server.
type Profile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	Phone         string            `json:"phone"`
	AccountNumber string            `json:"account_number"`
	ScannedImage  map[string]string `json:"scannedImage,omitempty"`
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string
	User  Profile
}

// AccountUseCase encapsulates registration, login and profile lookups.
type AccountUseCase struct {
	users      UserRepository
	store      storage.ObjectStore
	logger     *zap.Logger
	secret     string
	audience   string
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
}

// NewAccountUseCase constructs a new use case instance.
func NewAccountUseCase(users UserRepository, store storage.ObjectStore, secret, audience string, logger *zap.Logger) *AccountUseCase {
	return &AccountUseCase{
		users:      users,
		store:      store,
		logger:     logger.Named("account_usecase"),
		secret:     secret,
		audience:   audience,
		tokenTTL:   auth.DefaultTTL,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// UploadFaces stores one object per pose under a fresh batch prefix and
// returns the URL of each.
func (uc *AccountUseCase) UploadFaces(ctx context.Context, files []FaceFile) (map[pose.Pose]string, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Field: "faces", Reason: "no image files uploaded"}
	}
	batchID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.upload_faces", batchID)

	urls := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pose.Count)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			url, err := uc.store.Put(gctx, storage.FaceKey(batchID, f.Pose.String()), f.Data, f.ContentType)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		wrapped := logging.NewOperationError("usecase.upload_faces", batchID, err)
		opLogger.Error("failed to store face scans", zap.Error(wrapped))
		return nil, wrapped
	}

	out := make(map[pose.Pose]string, len(files))
	for i, f := range files {
		out[f.Pose] = urls[i]
	}
	opLogger.Info("stored face scans", zap.Int("count", len(out)))
	return out, nil
}

// Register validates the request, creates the account and signs a token.
func (uc *AccountUseCase) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	scans, err := validateRegistration(&in)
	if err != nil {
		return nil, err
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.register", in.Email)

	exists, err := uc.users.Exists(ctx, in.Email, in.Phone, in.AccountNumber)
	if err != nil {
		opLogger.Error("failed to check existing user", zap.Error(err))
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), uc.bcryptCost)
	if err != nil {
		return nil, logging.NewOperationError("usecase.hash_password", in.Email, err)
	}
	pinHash, err := bcrypt.GenerateFromPassword([]byte(in.PIN), uc.bcryptCost)
	if err != nil {
		return nil, logging.NewOperationError("usecase.hash_pin", in.Email, err)
	}

	user := &repository.User{
		ID:            uuid.NewString(),
		Name:          in.Name,
		Email:         in.Email,
		Phone:         in.Phone,
		AccountNumber: in.AccountNumber,
		PasswordHash:  string(passwordHash),
		PINHash:       string(pinHash),
	}
	user.SetFaceURLs(scans)
	if err := uc.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUserExists
		}
		opLogger.Error("failed to create user", zap.Error(err))
		return nil, err
	}

	result, err := uc.authResult(user, true)
	if err != nil {
		return nil, err
	}
	opLogger.Info("user registered", zap.String("user_id", user.ID))
	return result, nil
}

// Login checks the PIN of email and signs a token.
func (uc *AccountUseCase) Login(ctx context.Context, email, pin string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || pin == "" {
		return nil, &ValidationError{Field: "email and pin", Reason: "are required"}
	}
	user, err := uc.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PINHash), []byte(pin)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return uc.authResult(user, false)
}

// Profile returns the safe projection of userID.
func (uc *AccountUseCase) Profile(ctx context.Context, userID string) (*Profile, error) {
	user, err := uc.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	p := profileOf(user, true)
	return &p, nil
}

func (uc *AccountUseCase) authResult(user *repository.User, withScans bool) (*AuthResult, error) {
	token, err := auth.IssueToken(uc.secret, uc.audience, user.ID, uc.tokenTTL, uc.now())
	if err != nil {
		return nil, logging.NewOperationError("usecase.issue_token", user.ID, err)
	}
	return &AuthResult{Token: token, User: profileOf(user, withScans)}, nil
}

func profileOf(u *repository.User, withScans bool) Profile {
	p := Profile{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		Phone:         u.Phone,
		AccountNumber: u.AccountNumber,
	}
	if withScans {
		p.ScannedImage = u.FaceURLs()
	}
	return p
}

func validateRegistration(in *RegisterInput) (map[pose.Pose]string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.AccountNumber = strings.TrimSpace(in.AccountNumber)

	switch {
	case in.Name == "":
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	case in.Email == "":
		return nil, &ValidationError{Field: "email", Reason: "is required"}
	case in.Password == "":
		return nil, &ValidationError{Field: "password", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, &ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	if !digits(in.Phone, 1, 10) {
		return nil, &ValidationError{Field: "phone", Reason: "must be up to 10 digits"}
	}
	if !digits(in.PIN, 6, 6) {
		return nil, &ValidationError{Field: "pin", Reason: "must be exactly 6 digits"}
	}
	if !digits(in.AccountNumber, 10, 10) {
		return nil, &ValidationError{Field: "account_number", Reason: "must be exactly 10 digits"}
	}

	if len(in.ScannedImage) != pose.Count {
		return nil, &ValidationError{Field: "scannedImage", Reason: fmt.Sprintf("must contain %d face scans", pose.Count)}
	}
	scans := make(map[pose.Pose]string, pose.Count)
	for key, url := range in.ScannedImage {
		p, err := pose.Parse(key)
		if err != nil || url == "" {
			return nil, &ValidationError{Field: "scannedImage", Reason: fmt.Sprintf("has an invalid entry %q", key)}
		}
		scans[p] = url
	}
	if len(scans) != pose.Count {
		return nil, &ValidationError{Field: "scannedImage", Reason: "repeats a pose"}
	}
	return scans, nil
}

func digits(s string, min, max int) bool {
	if len(s) < min || len(s) > max {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
