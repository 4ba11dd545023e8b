package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/facepay/internal/auth"
	"github.com/example/facepay/internal/ingest"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/repository"
)

type stubUsers struct {
	created   []*repository.User
	exists    bool
	createErr error
	byEmail   map[string]*repository.User
}

func (s *stubUsers) Create(ctx context.Context, user *repository.User) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, user)
	if s.byEmail == nil {
		s.byEmail = map[string]*repository.User{}
	}
	s.byEmail[user.Email] = user
	return nil
}

func (s *stubUsers) Exists(ctx context.Context, email, phone, accountNumber string) (bool, error) {
	return s.exists, nil
}

func (s *stubUsers) FindByEmail(ctx context.Context, email string) (*repository.User, error) {
	if u, ok := s.byEmail[email]; ok {
		return u, nil
	}
	return nil, logging.NewOperationError("repository.find_user_by_email", email, repository.ErrNotFound)
}

func (s *stubUsers) FindByID(ctx context.Context, id string) (*repository.User, error) {
	for _, u := range s.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

type stubStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *stubStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type stubFrames struct {
	saved       []*repository.StreamFrame
	saveErr     error
	latest      *repository.StreamFrame
	latestCalls int
	agg         *repository.FrameAggregation
}

func (s *stubFrames) Save(ctx context.Context, frame *repository.StreamFrame) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, frame)
	return nil
}

func (s *stubFrames) Latest(ctx context.Context, userID string) (*repository.StreamFrame, error) {
	s.latestCalls++
	if s.latest == nil {
		return nil, repository.ErrNotFound
	}
	return s.latest, nil
}

func (s *stubFrames) Aggregate(ctx context.Context, userID string) (*repository.FrameAggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
}

func (s *stubCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		return err
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	v, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newAccountUseCase(users *stubUsers, store *stubStore) *AccountUseCase {
	uc := NewAccountUseCase(users, store, "secret", "", zap.NewNop())
	uc.bcryptCost = bcrypt.MinCost
	return uc
}

func validInput() RegisterInput {
	scans := map[string]string{}
	for _, p := range pose.Sequence {
		scans[p.String()] = "https://cdn.example.com/" + p.String() + ".jpg"
	}
	return RegisterInput{
		Name: "Ada", Email: "Ada@Example.com", Phone: "5550100", Password: "secret",
		PIN: "123456", AccountNumber: "0123456789", ScannedImage: scans,
	}
}

func TestUploadFacesStoresEveryPose(t *testing.T) {
	store := &stubStore{}
	uc := newAccountUseCase(&stubUsers{}, store)

	var files []FaceFile
	for _, p := range pose.Sequence {
		files = append(files, FaceFile{Pose: p, Data: []byte("jpeg"), ContentType: "image/jpeg"})
	}
	urls, err := uc.UploadFaces(context.Background(), files)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(urls) != pose.Count {
		t.Fatalf("expected %d urls, got %d", pose.Count, len(urls))
	}
	if !strings.HasSuffix(urls[pose.Down], "/DOWN.jpg") || !strings.Contains(urls[pose.Down], "faces/") {
		t.Fatalf("unexpected url %q", urls[pose.Down])
	}
	if _, err := uc.UploadFaces(context.Background(), nil); err == nil {
		t.Fatal("expected validation error for empty upload")
	}
}

func TestUploadFacesReturnsOperationError(t *testing.T) {
	uc := newAccountUseCase(&stubUsers{}, &stubStore{err: errors.New("bucket offline")})
	_, err := uc.UploadFaces(context.Background(), []FaceFile{{Pose: pose.Front, Data: []byte("x")}})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.upload_faces" {
		t.Fatalf("expected upload OperationError, got %v", err)
	}
}

func TestRegisterHashesSecretsAndIssuesToken(t *testing.T) {
	users := &stubUsers{}
	uc := newAccountUseCase(users, &stubStore{})

	result, err := uc.Register(context.Background(), validInput())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(users.created) != 1 {
		t.Fatalf("expected one user, got %d", len(users.created))
	}
	u := users.created[0]
	if u.Email != "ada@example.com" {
		t.Fatalf("email should be normalised, got %q", u.Email)
	}
	if u.PINHash == "123456" || bcrypt.CompareHashAndPassword([]byte(u.PINHash), []byte("123456")) != nil {
		t.Fatal("pin should be stored as a bcrypt hash")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("secret")) != nil {
		t.Fatal("password should be stored as a bcrypt hash")
	}
	subject, err := auth.ParseSubject("secret", "", result.Token)
	if err != nil || subject != u.ID {
		t.Fatalf("token subject mismatch: %q %v", subject, err)
	}
	if len(result.User.ScannedImage) != pose.Count || result.User.ID != u.ID {
		t.Fatalf("unexpected profile %+v", result.User)
	}
}

func TestRegisterValidation(t *testing.T) {
	cases := map[string]func(*RegisterInput){
		"missing name":   func(in *RegisterInput) { in.Name = "" },
		"bad email":      func(in *RegisterInput) { in.Email = "nope" },
		"long phone":     func(in *RegisterInput) { in.Phone = "12345678901" },
		"short pin":      func(in *RegisterInput) { in.PIN = "123" },
		"alpha account":  func(in *RegisterInput) { in.AccountNumber = "01234abcde" },
		"five scans":     func(in *RegisterInput) { delete(in.ScannedImage, "UP") },
		"unknown pose":   func(in *RegisterInput) { delete(in.ScannedImage, "UP"); in.ScannedImage["BACK"] = "x" },
		"empty scan url": func(in *RegisterInput) { in.ScannedImage["LEFT"] = "" },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		uc := newAccountUseCase(&stubUsers{}, &stubStore{})
		_, err := uc.Register(context.Background(), in)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	uc := newAccountUseCase(&stubUsers{exists: true}, &stubStore{})
	if _, err := uc.Register(context.Background(), validInput()); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	uc = newAccountUseCase(&stubUsers{createErr: repository.ErrDuplicate}, &stubStore{})
	if _, err := uc.Register(context.Background(), validInput()); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists on unique violation, got %v", err)
	}
}

func TestLoginAndProfile(t *testing.T) {
	users := &stubUsers{}
	uc := newAccountUseCase(users, &stubStore{})
	registered, err := uc.Register(context.Background(), validInput())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := uc.Login(context.Background(), "ada@example.com", "000000"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong pin, got %v", err)
	}
	if _, err := uc.Login(context.Background(), "who@example.com", "123456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
	result, err := uc.Login(context.Background(), " ADA@example.com ", "123456")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if result.User.ID != registered.User.ID || result.User.ScannedImage != nil {
		t.Fatalf("unexpected login projection %+v", result.User)
	}

	profile, err := uc.Profile(context.Background(), registered.User.ID)
	if err != nil || profile.Email != "ada@example.com" || len(profile.ScannedImage) != pose.Count {
		t.Fatalf("unexpected profile %+v %v", profile, err)
	}
	if _, err := uc.Profile(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func newStreamUseCase(frames *stubFrames, store *stubStore, cache *stubCache) *StreamUseCase {
	uc := NewStreamUseCase(frames, store, cache, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func TestSaveFramePersistsAndCaches(t *testing.T) {
	frames := &stubFrames{}
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newStreamUseCase(frames, &stubStore{}, cache)

	env := ingest.Envelope{
		Meta:       ingest.FrameMeta{Type: ingest.TypeFrameMeta, TS: 1000, UserID: "user-1", Width: 640, Height: 480},
		Payload:    []byte("jpeg-bytes"),
		ReceivedAt: time.Unix(100, 0),
	}
	saved, err := uc.Save(context.Background(), env)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Bytes != len(env.Payload) || saved.TS != 1000 || saved.URL == "" || saved.ID == "" {
		t.Fatalf("unexpected saved frame %+v", saved)
	}
	if len(frames.saved) != 1 || frames.saved[0].Width != 640 || len(frames.saved[0].SHA1Hash) != 40 {
		t.Fatalf("unexpected persisted frame %+v", frames.saved)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] || cache.setKeys[0] != "stream:latest:user-1" {
		t.Fatalf("expected a retried cache write, got %v", cache.setKeys)
	}

	latest, err := uc.Latest(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.ID != saved.ID || frames.latestCalls != 0 {
		t.Fatalf("expected cache hit, got %+v after %d repository calls", latest, frames.latestCalls)
	}
}

func TestSaveFrameCacheFailureIsNotFatal(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newStreamUseCase(&stubFrames{}, &stubStore{}, cache)
	env := ingest.Envelope{Meta: ingest.FrameMeta{UserID: "u"}, Payload: []byte{1}}
	if _, err := uc.Save(context.Background(), env); err != nil {
		t.Fatalf("cache failures must not fail the save: %v", err)
	}
}

func TestSaveFrameRepositoryFailure(t *testing.T) {
	uc := newStreamUseCase(&stubFrames{saveErr: errors.New("db down")}, &stubStore{}, &stubCache{})
	_, err := uc.Save(context.Background(), ingest.Envelope{Payload: []byte{1}})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.record_frame" {
		t.Fatalf("expected record OperationError, got %v", err)
	}
}

func TestLatestFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	expected := &repository.StreamFrame{ID: "f", UserID: "user"}
	frames := &stubFrames{latest: expected}
	uc := newStreamUseCase(frames, &stubStore{}, &stubCache{})

	frame, err := uc.Latest(context.Background(), "user")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if frame != expected || frames.latestCalls != 1 {
		t.Fatalf("expected repository fallback, got %+v after %d calls", frame, frames.latestCalls)
	}
}

func TestGetStreamSummary(t *testing.T) {
	last := time.Unix(200, 0)
	frames := &stubFrames{agg: &repository.FrameAggregation{TotalCount: 4, TotalBytes: 1000, LastFrameAt: &last}}
	summary, err := newStreamUseCase(frames, &stubStore{}, &stubCache{}).GetStreamSummary(context.Background(), "u")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalFrames != 4 || summary.AverageFrameBytes != 250 || summary.LastFrameAt == nil {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRedisCacheNamespacesKeys(t *testing.T) {
	if got := NewRedisCache(nil, "facepay").key("stream:latest:u"); got != "facepay:stream:latest:u" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := NewRedisCache(nil, "").key("stream:latest:u"); got != "stream:latest:u" {
		t.Fatalf("unexpected key %q", got)
	}
}
