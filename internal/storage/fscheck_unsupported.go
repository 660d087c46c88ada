//go:build !linux && !darwin && !freebsd

package storage

import "errors"

func statfsType(string) (string, error) {
	return "", errors.ErrUnsupported
}
