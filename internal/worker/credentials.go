package worker

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// newCredentials returns a login derived from the phone's last digits and a
// random password.
func newCredentials(phone string) (username, password string, err error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errors.Wrap(err, "generate credentials")
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return "wf" + digits + hex.EncodeToString(buf[:2]), hex.EncodeToString(buf[2:]), nil
}
