// Package router drains the mailboxes sandboxes write into and dispatches
// their contents. The mailbox directory a file was found in is the sender's
// identity; nothing in the payload can change it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/majorcontext/corral/internal/id"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/store"
)

// ErrUnauthorized marks a mailbox item the sender may not perform. Such
// items are logged and dropped rather than moved to the errors directory.
var ErrUnauthorized = errors.New("unauthorized")

// Messenger delivers outbound chat content.
type Messenger interface {
	SendMessage(ctx context.Context, chatJID, text string) error
	SendVoice(ctx context.Context, chatJID, path string) error
	SendFile(ctx context.Context, chatJID, path, caption string) error
}

// Registry stores groups and scheduled tasks. *store.Store implements it.
type Registry interface {
	Groups(ctx context.Context) ([]store.Group, error)
	RegisterGroup(ctx context.Context, g store.Group) error
	CreateTask(ctx context.Context, t store.Task) error
	Task(ctx context.Context, id string) (store.Task, error)
	SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
}

// Browser performs browser-automation actions for a group.
type Browser interface {
	Browse(ctx context.Context, folder string, req BrowseRequest) (json.RawMessage, error)
}

// ActivitySink is told when routine browser actions start and end.
type ActivitySink interface {
	Start(folder, action string)
	End(folder, action string, err error)
}

// StatusIndicator shows what a group's sandbox is currently doing.
type StatusIndicator interface {
	Update(ctx context.Context, folder string, ev StatusEvent) error
}

// Options configures a Router.
type Options struct {
	// PrivilegedFolder may act on behalf of every group.
	PrivilegedFolder string
	// GroupsDir is the host directory holding each group's workspace.
	GroupsDir string
	// Location is the timezone cron schedules are evaluated in.
	Location *time.Location
	// PollInterval is the scan cadence.
	PollInterval time.Duration
	// StatusInterval is the minimum gap between indicator updates per group.
	StatusInterval time.Duration
	// HandoffURL is a template for wait_for_user links. {group} and {id}
	// are substituted.
	HandoffURL string

	Messenger Messenger
	Registry  Registry
	Browser   Browser
	Activity  ActivitySink
	Status    StatusIndicator
	// OnSkillChanged is called with the sender's folder.
	OnSkillChanged func(folder string)
}

// Router scans every group's mailbox on a fixed cadence.
type Router struct {
	layout ipc.Layout
	opts   Options
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	groups map[string]store.Group

	status   *statusLimiter
	inflight sync.WaitGroup
}

// New creates a router over layout.
func New(layout ipc.Layout, opts Options) *Router {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Router{
		layout: layout,
		opts:   opts,
		now:    time.Now,
		newID:  newTaskID,
		groups: make(map[string]store.Group),
		status: newStatusLimiter(opts.StatusInterval),
	}
}

// Run scans until ctx is done, then waits for in-flight browser requests.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	defer r.inflight.Wait()

	log.Debug("mailbox router started", "root", r.layout.Root, "interval", r.opts.PollInterval)
	for {
		r.ScanOnce(ctx)
		select {
		case <-ctx.Done():
			log.Debug("mailbox router stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce reloads the registered groups, then drains every group's
// mailbox once. Groups registered by other writers to the registry are
// therefore authorized from the next scan on. If the reload fails the
// previous copy is kept.
func (r *Router) ScanOnce(ctx context.Context) {
	if err := r.RefreshGroups(ctx); err != nil {
		log.Warn("loading registered groups", "error", err)
	}
	folders, err := r.layout.Groups()
	if err != nil {
		log.Warn("listing mailboxes", "error", err)
		return
	}
	for _, folder := range folders {
		if ctx.Err() != nil {
			return
		}
		r.scanGroup(ctx, folder)
	}
}

func (r *Router) scanGroup(ctx context.Context, folder string) {
	logger := log.ForGroup(folder)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("mailbox handler panicked", "panic", v)
		}
	}()

	dir, err := r.layout.GroupDir(folder)
	if err != nil {
		logger.Warn("resolving mailbox", "error", err)
		return
	}
	r.drain(ctx, folder, filepath.Join(dir, ipc.MessagesDir), r.handleMessage)
	r.drain(ctx, folder, filepath.Join(dir, ipc.TasksDir), r.handleMessage)
	r.drainBrowse(ctx, folder, filepath.Join(dir, ipc.BrowseDir))
	r.drainStatus(ctx, folder, filepath.Join(dir, ipc.StatusDir))
}

// mailboxFiles lists the JSON files in dir with the given prefix, oldest
// name first. Temp files are skipped.
func mailboxFiles(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug("reading mailbox", "dir", dir, "error", err)
		}
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, prefix) || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) drain(ctx context.Context, folder, dir string, handle func(context.Context, string, Message) error) {
	for _, name := range mailboxFiles(dir, "") {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("reading mailbox file", "group", folder, "file", name, "error", err)
			}
			continue
		}
		msg, err := Decode(data)
		if err == nil {
			err = handle(ctx, folder, msg)
		}
		switch {
		case err == nil:
			r.consume(path)
		case errors.Is(err, ErrUnauthorized):
			log.Warn("dropping unauthorized mailbox item", "group", folder, "file", name, "error", err)
			r.consume(path)
		default:
			log.Error("mailbox item failed", "group", folder, "file", name, "error", err)
			r.quarantine(folder, path)
		}
	}
}

func (r *Router) consume(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("removing mailbox file", "path", path, "error", err)
	}
}

// quarantine moves a failed file to the errors directory, tagged with the
// sender.
func (r *Router) quarantine(folder, path string) {
	errDir := r.layout.ErrorDir()
	if err := os.MkdirAll(errDir, 0755); err != nil {
		log.Error("creating errors directory", "error", err)
		r.consume(path)
		return
	}
	dest := quarantineName(errDir, folder, filepath.Base(path), r.now())
	if err := os.Rename(path, dest); err != nil {
		log.Error("moving failed mailbox file", "path", path, "error", err)
		r.consume(path)
	}
}

// quarantineName returns errors/<folder>-<file>, or, when that is already
// taken, errors/<folder>-<stem>-<unix-ms>-<suffix><ext> so an earlier
// failure is never overwritten.
func quarantineName(errDir, folder, base string, now time.Time) string {
	dest := filepath.Join(errDir, folder+"-"+base)
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(errDir, fmt.Sprintf("%s-%s-%d-%s%s", folder, stem, now.UnixMilli(), id.Short(6), ext))
}

// RefreshGroups reloads the registered-group snapshot.
func (r *Router) RefreshGroups(ctx context.Context) error {
	if r.opts.Registry == nil {
		return nil
	}
	groups, err := r.opts.Registry.Groups(ctx)
	if err != nil {
		return err
	}
	snapshot := make(map[string]store.Group, len(groups))
	for _, g := range groups {
		snapshot[g.JID] = g
	}
	r.mu.Lock()
	r.groups = snapshot
	r.mu.Unlock()
	return nil
}

func (r *Router) group(jid string) (store.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[jid]
	return g, ok
}

// chatFor returns the chat registered to folder.
func (r *Router) chatFor(folder string) (store.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return store.Group{}, false
}

func (r *Router) snapshot() []store.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make([]store.Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Folder < groups[j].Folder })
	return groups
}

func (r *Router) privileged(folder string) bool {
	return folder == r.opts.PrivilegedFolder
}
