//go:build linux || darwin

package content

import (
	"errors"

	"golang.org/x/sys/unix"
)

const mimeAttr = "user.rescache.mime"

func setMimeType(path, mimeType string) error {
	return unix.Setxattr(path, mimeAttr, []byte(mimeType), 0)
}

func getMimeType(path string) (string, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Getxattr(path, mimeAttr, buf)
		if errors.Is(err, unix.ERANGE) && len(buf) < 1<<16 {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	}
}
