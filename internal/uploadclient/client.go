// Package uploadclient ships a completed capture batch to the server in two
// phases: store the images, then finalize registration with the URLs.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/retry"
)

const (
	UploadPath   = "/api/image/upload"
	RegisterPath = "/api/auth/register"
	// FilesField is the multipart field every image part is sent under.
	FilesField = "faces"
)

// Image is one captured pose.
type Image struct {
	Pose pose.Pose
	Data []byte
}

// Registration is the identity data submitted alongside the face scans.
type Registration struct {
	Name          string `json:"name" yaml:"name"`
	Email         string `json:"email" yaml:"email"`
	Phone         string `json:"phone" yaml:"phone"`
	Password      string `json:"password" yaml:"password"`
	PIN           string `json:"pin" yaml:"pin"`
	AccountNumber string `json:"account_number" yaml:"account_number"`
}

// Batch is everything a completed capture session submits.
type Batch struct {
	Images       []Image
	Registration Registration
}

// User is the safe projection the server returns.
type User struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	Phone         string            `json:"phone"`
	AccountNumber string            `json:"account_number"`
	ScannedImage  map[string]string `json:"scannedImage,omitempty"`
}

// RegisterResult is a successful registration.
type RegisterResult struct {
	Token string
	User  User
}

// Result of a full submission.
type Result struct {
	URLs  map[pose.Pose]string
	Token string
	User  User
}

// Client talks to the registration backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Policy     retry.Policy
	Logger     *zap.Logger
}

// New returns a client with a 30s HTTP timeout and the default retry policy.
func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Policy:     retry.Default(),
		Logger:     logger.Named("upload_client"),
	}
}

type uploadResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	UploadedURLs map[string]string `json:"uploadedUrls"`
}

// Upload stores every image in one multipart request and returns the URL
// the server assigned to each pose.
func (c *Client) Upload(ctx context.Context, images []Image) (map[pose.Pose]string, error) {
	body, contentType, err := multipartBody(images)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+UploadPath, bytes.NewReader(body))
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	defer resp.Body.Close()

	var decoded uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, &UploadError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK || !decoded.Success {
		return nil, &UploadError{Status: resp.StatusCode, Message: decoded.Message}
	}

	urls := make(map[pose.Pose]string, len(images))
	for key, url := range decoded.UploadedURLs {
		if p, err := pose.Parse(key); err == nil && url != "" {
			urls[p] = url
		}
	}
	var missing []pose.Pose
	for _, img := range images {
		if _, ok := urls[img.Pose]; !ok {
			missing = append(missing, img.Pose)
		}
	}
	if len(missing) > 0 {
		return nil, &IncompleteUploadError{Missing: missing, Received: urls}
	}
	return urls, nil
}

func multipartBody(images []Image) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, img := range images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="%s.jpg"`, FilesField, img.Pose))
		h.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

type registerRequest struct {
	Registration
	ScannedImage map[string]string `json:"scannedImage"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Token   string `json:"token"`
	User    User   `json:"user"`
}

// Register finalizes the account with the stored image URLs.
func (c *Client) Register(ctx context.Context, reg Registration, urls map[pose.Pose]string) (*RegisterResult, error) {
	scanned := make(map[string]string, len(urls))
	for p, url := range urls {
		scanned[p.String()] = url
	}
	payload, err := json.Marshal(registerRequest{Registration: reg, ScannedImage: scanned})
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+RegisterPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	defer resp.Body.Close()

	var decoded registerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, &RegistrationError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode >= 300 || !decoded.Success {
		return nil, &RegistrationError{Status: resp.StatusCode, Message: decoded.Message}
	}
	return &RegisterResult{Token: decoded.Token, User: decoded.User}, nil
}

// Submit uploads the batch and registers it. Each phase is retried on its
// own, so a registration retry never re-uploads the images.
func (c *Client) Submit(ctx context.Context, b Batch) (*Result, error) {
	logger := logging.WithOperation(c.Logger, "uploadclient.submit", b.Registration.Email)

	var urls map[pose.Pose]string
	err := retry.Do(ctx, c.Policy, c.Logger, "uploadclient.upload", b.Registration.Email, func() error {
		var err error
		urls, err = c.Upload(ctx, b.Images)
		return err
	})
	if err != nil {
		logger.Error("image upload failed", zap.Error(err), zap.Int("images", len(b.Images)))
		return nil, err
	}

	var reg *RegisterResult
	err = retry.Do(ctx, c.Policy, c.Logger, "uploadclient.register", b.Registration.Email, func() error {
		var err error
		reg, err = c.Register(ctx, b.Registration, urls)
		return err
	})
	if err != nil {
		logger.Error("registration failed", zap.Error(err))
		return nil, err
	}

	logger.Info("registration submitted", zap.String("user_id", reg.User.ID))
	return &Result{URLs: urls, Token: reg.Token, User: reg.User}, nil
}
