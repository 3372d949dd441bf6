//go:build !linux

package call

import (
	"context"
	"fmt"
)

// CaptureMicrophone is only implemented on Linux (malgo capture through
// pion/mediadevices). Elsewhere use SilentMedia.
func CaptureMicrophone(_ string) MediaSource {
	return func(ctx context.Context) (LocalMedia, error) {
		return nil, fmt.Errorf("%w: no microphone driver on this platform", ErrMediaAccessDenied)
	}
}
