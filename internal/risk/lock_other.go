//go:build !unix

package risk

import "time"

// Advisory locking is unix-only; elsewhere only the in-process mutex applies.
func lockFile(string, time.Duration) (func(), error) {
	return func() {}, nil
}
