//go:build !unix

package mmap

import "github.com/cockroachdb/errors"

var ErrNotSupported = errors.New("anonymous mappings are not supported on this platform")

func MapAnonymous(size int) ([]byte, error) {
	return nil, ErrNotSupported
}
