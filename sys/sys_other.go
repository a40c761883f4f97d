//go:build !unix && !windows

package sys

import (
	"errors"
)

func newPlatformStatser() (MemoryStatser, error) {
	return nil, errors.New("no memory statser available for this platform")
}
