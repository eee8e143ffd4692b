package misc

import (
	"strings"

	"github.com/google/uuid"
)

// MakeID returns an unguessable 32 character hex id.
func MakeID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
