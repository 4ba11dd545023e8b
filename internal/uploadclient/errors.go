package uploadclient

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/example/facepay/internal/pose"
)

// UploadError means the image-store phase failed: the request could not be
// sent, the server answered with an error status, or it reported
// success=false.
type UploadError struct {
	Status  int
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	return describe("image upload failed", e.Status, e.Message, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *UploadError) Temporary() bool { return temporary(e.Status, e.Err) }

// IncompleteUploadError means the server accepted the upload but did not
// return a URL for every pose.
type IncompleteUploadError struct {
	Missing  []pose.Pose
	Received map[pose.Pose]string
}

func (e *IncompleteUploadError) Error() string {
	names := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		names[i] = p.String()
	}
	return fmt.Sprintf("upload incomplete: no URL for %s", strings.Join(names, ", "))
}

// RegistrationError means the images were stored but the account could not
// be finalized.
type RegistrationError struct {
	Status  int
	Message string
	Err     error
}

func (e *RegistrationError) Error() string {
	return describe("registration failed", e.Status, e.Message, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *RegistrationError) Temporary() bool { return temporary(e.Status, e.Err) }

func describe(prefix string, status int, message string, err error) string {
	var b strings.Builder
	b.WriteString(prefix)
	if status != 0 {
		fmt.Fprintf(&b, " (status %d)", status)
	}
	if message != "" {
		b.WriteString(": ")
		b.WriteString(message)
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func temporary(status int, err error) bool {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return true
	}
	return status == 0 && err != nil
}
