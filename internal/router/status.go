package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/majorcontext/corral/internal/log"
)

const statusPrefix = "evt-"

// statusLimiter holds one token bucket per group.
type statusLimiter struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newStatusLimiter(every time.Duration) *statusLimiter {
	return &statusLimiter{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (s *statusLimiter) allow(folder string, now time.Time) bool {
	if s.every <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[folder]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.every), 1)
		s.limiters[folder] = l
	}
	s.mu.Unlock()
	return l.AllowN(now, 1)
}

// drainStatus reads every pending status event for folder, logs them as a
// batch, and pushes the newest one to the indicator if the group's rate
// allows.
func (r *Router) drainStatus(ctx context.Context, folder, dir string) {
	names := mailboxFiles(dir, statusPrefix)
	if len(names) == 0 {
		return
	}
	logger := log.ForGroup(folder)

	var latest *StatusEvent
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ev StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("malformed status event", "file", name, "error", err)
			r.quarantine(folder, path)
			continue
		}
		r.consume(path)
		logger.Debug("sandbox status", "phase", ev.Phase, "tool", ev.Tool, "text", ev.Text)
		latest = &ev
	}
	if latest == nil {
		return
	}
	logger.Info("sandbox status batch", "events", len(names), "latest", latest.Text)

	if r.opts.Status == nil || !r.status.allow(folder, r.now()) {
		return
	}
	if err := r.opts.Status.Update(ctx, folder, *latest); err != nil {
		logger.Warn("updating status indicator", "error", err)
	}
}
