//go:build !linux && !darwin

package content

import "errors"

func setMimeType(string, string) error {
	return errors.ErrUnsupported
}

func getMimeType(string) (string, error) {
	return "", errors.ErrUnsupported
}
