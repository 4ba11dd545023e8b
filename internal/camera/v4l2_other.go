//go:build !linux

package camera

import (
	"context"
	"fmt"
	"runtime"
)

// Open implements Source.
func (s V4L2Source) Open(ctx context.Context) (Stream, error) {
	return nil, fmt.Errorf("%w: V4L2 is not supported on %s, use a frame directory", ErrUnavailable, runtime.GOOS)
}
