package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/facepay/internal/auth"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/repository"
	"github.com/example/facepay/internal/usecase"
)

const (
	// MaxUploadSize bounds a single face scan.
	MaxUploadSize = 5 << 20
	// MaxRequestSize bounds a whole upload request.
	MaxRequestSize = int64(MaxUploadSize*pose.Count + 1<<20)
	// FilesField is the multipart field carrying face scans.
	FilesField = "faces"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// AccountService is the account use case as seen by the routes.
type AccountService interface {
	UploadFaces(ctx context.Context, files []usecase.FaceFile) (map[pose.Pose]string, error)
	Register(ctx context.Context, in usecase.RegisterInput) (*usecase.AuthResult, error)
	Login(ctx context.Context, email, pin string) (*usecase.AuthResult, error)
	Profile(ctx context.Context, userID string) (*usecase.Profile, error)
}

// StreamService is the stream use case as seen by the routes.
type StreamService interface {
	Latest(ctx context.Context, userID string) (*repository.StreamFrame, error)
	GetStreamSummary(ctx context.Context, userID string) (*usecase.StreamSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, accounts AccountService, streams StreamService, streamIngest gin.HandlerFunc, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/image/upload", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestSize)
		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				fail(c, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			fail(c, http.StatusBadRequest, "multipart form required")
			return
		}

		files, status, msg := collectFaces(form)
		if status != 0 {
			fail(c, status, msg)
			return
		}

		urls, err := accounts.UploadFaces(c.Request.Context(), files)
		if err != nil {
			respondError(c, err)
			return
		}
		uploaded := make(map[string]string, len(urls))
		for p, url := range urls {
			uploaded[p.String()] = url
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "uploadedUrls": uploaded})
	})

	router.POST("/api/auth/register", func(c *gin.Context) {
		var in usecase.RegisterInput
		if err := c.ShouldBindJSON(&in); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := accounts.Register(c.Request.Context(), in)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success": true,
			"message": "User created successfully",
			"token":   result.Token,
			"user":    result.User,
		})
	})

	router.POST("/api/auth/login", func(c *gin.Context) {
		var in struct {
			Email string `json:"email"`
			PIN   string `json:"pin"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := accounts.Login(c.Request.Context(), in.Email, in.PIN)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Login successful",
			"token":   result.Token,
			"user":    result.User,
		})
	})

	router.GET("/api/auth/profile", authMiddleware, func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		profile, err := accounts.Profile(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "user": profile})
	})

	router.GET("/api/stream/latest", authMiddleware, func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		frame, err := streams.Latest(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"id":         frame.ID,
			"url":        frame.URL,
			"ts":         frame.ClientTS,
			"width":      frame.Width,
			"height":     frame.Height,
			"bytes":      frame.Size,
			"sha1_hash":  frame.SHA1Hash,
			"created_at": frame.CreatedAt,
		})
	})

	router.GET("/api/stream/summary", authMiddleware, func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		summary, err := streams.GetStreamSummary(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/stream", streamIngest)
}

// collectFaces reads every scan part. Parts under FilesField are named by
// their filename; any other field name is taken as the pose itself.
func collectFaces(form *multipart.Form) ([]usecase.FaceFile, int, string) {
	var files []usecase.FaceFile
	seen := make(map[pose.Pose]bool)
	for field, headers := range form.File {
		for _, fh := range headers {
			if fh.Size > MaxUploadSize {
				return nil, http.StatusRequestEntityTooLarge, "image too large"
			}
			data, err := readPart(fh)
			if err != nil {
				return nil, http.StatusBadRequest, "unable to read image"
			}
			contentType := http.DetectContentType(data)
			if !allowedImageTypes[contentType] {
				return nil, http.StatusUnsupportedMediaType, "only JPEG and PNG images are accepted"
			}

			name := field
			if field == FilesField {
				name = strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename))
			}
			p, err := pose.Parse(name)
			if err != nil {
				return nil, http.StatusBadRequest, "unknown pose " + name
			}
			if seen[p] {
				return nil, http.StatusBadRequest, "duplicate pose " + p.String()
			}
			seen[p] = true
			files = append(files, usecase.FaceFile{Pose: p, Data: data, ContentType: contentType})
		}
	}
	if len(files) == 0 {
		return nil, http.StatusBadRequest, "No image files uploaded."
	}
	return files, 0, ""
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}

func respondError(c *gin.Context, err error) {
	var verr *usecase.ValidationError
	switch {
	case errors.As(err, &verr):
		fail(c, http.StatusBadRequest, verr.Error())
	case errors.Is(err, usecase.ErrUserExists):
		fail(c, http.StatusConflict, "User already exists")
	case errors.Is(err, usecase.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, "Invalid email or pin")
	case errors.Is(err, usecase.ErrUserNotFound), errors.Is(err, repository.ErrNotFound):
		fail(c, http.StatusNotFound, "not found")
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
