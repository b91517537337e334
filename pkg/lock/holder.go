package lock

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// NewHolder returns a fresh holder identity `<host>:<pid>:<uuid>`. Every
// locked operation uses its own holder, so two operations in the same
// process exclude each other.
func NewHolder() string {
	return fmt.Sprintf("%s:%d:%s", hostname(), os.Getpid(), uuid.New().String())
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// holderHost returns the host part of a `<host>:<pid>:<uuid>` holder, or ""
// for holders in any other form.
func holderHost(holder string) string {
	parts := strings.SplitN(holder, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[0]
}
