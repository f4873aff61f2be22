// Package notify provides the file-based delivery outbox: the scheduler
// drops reminder deliveries as files in a shared directory, and whatever
// messaging bridge is attached (or the daemon's own console bridge) watches
// the directory and forwards them. The two processes never need to know about
// each other beyond the directory.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quietmind/quietmind/internal/capability"
)

// Delivery is the payload written to an outbox file.
type Delivery struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// OutboxNotifier writes delivery files to a shared directory.
type OutboxNotifier struct {
	dir string
}

var _ capability.Notifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier creates a notifier that emits deliveries to
// {dataPath}/outbox/.
func NewOutboxNotifier(dataPath string) *OutboxNotifier {
	return &OutboxNotifier{dir: filepath.Join(dataPath, "outbox")}
}

// Deliver writes one delivery file. Safe to call concurrently.
func (n *OutboxNotifier) Deliver(_ context.Context, userID, message string) error {
	if err := os.MkdirAll(n.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", n.dir, err)
	}
	d := Delivery{
		UserID:  userID,
		Message: message,
		Time:    time.Now().UnixNano(),
	}
	data, _ := json.Marshal(d)
	filename := fmt.Sprintf("%d-%s.msg", d.Time, sanitizeID(userID))
	path := filepath.Join(n.dir, filename)
	return os.WriteFile(path, data, 0o600)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
