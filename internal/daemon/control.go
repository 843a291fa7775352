package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/pool"
)

// ControlAction names an out-of-process request to the daemon.
type ControlAction string

const (
	ActionInterrupt ControlAction = "interrupt"
	ActionKill      ControlAction = "kill"
	ActionList      ControlAction = "ps"
	ActionReap      ControlAction = "reap"
)

// ControlRequest is published by the CLI into the control directory.
type ControlRequest struct {
	Action ControlAction `json:"action"`
	Group  string        `json:"group,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ControlResponse answers a ControlRequest.
type ControlResponse struct {
	OK        bool         `json:"ok"`
	Message   string       `json:"message,omitempty"`
	Entries   []pool.Entry `json:"entries,omitempty"`
	Reclaimed int          `json:"reclaimed,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Controller is the part of the pool the control surface drives.
type Controller interface {
	Interrupt(folder string) bool
	Kill(ctx context.Context, folder, reason string) bool
	Entries() []pool.Entry
	ReclaimOrphans(ctx context.Context) (int, error)
}

// ControlServer answers control requests using the same request and
// response file protocol sandboxes speak.
type ControlServer struct {
	dir      string
	ctl      Controller
	interval time.Duration
}

// NewControlServer serves requests published under dir.
func NewControlServer(dir string, ctl Controller, interval time.Duration) *ControlServer {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &ControlServer{dir: dir, ctl: ctl, interval: interval}
}

// Run serves until ctx is done. Each tick also refreshes the control
// heartbeat so clients can tell the daemon is alive.
func (s *ControlServer) Run(ctx context.Context) error {
	for _, sub := range []string{ipc.InputDir, ipc.OutputDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0755); err != nil {
			return fmt.Errorf("creating control directory: %w", err)
		}
	}
	if _, err := ipc.PurgeStale(s.dir, 0); err != nil {
		log.Debug("purging stale control requests", "error", err)
	}
	defer ipc.RemoveHeartbeat(s.dir)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := ipc.WriteHeartbeat(s.dir, time.Now()); err != nil {
			log.Debug("writing control heartbeat", "error", err)
		}
		s.HandleOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HandleOnce answers every pending request.
func (s *ControlServer) HandleOnce(ctx context.Context) {
	inbox := filepath.Join(s.dir, ipc.InputDir)
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return
	}
	for _, e := range entries {
		reqID, ok := ipc.RequestID(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(inbox, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		// Removing first means an abandoned request is never answered twice.
		if err := os.Remove(path); err != nil {
			continue
		}

		var req ControlRequest
		var resp ControlResponse
		if err := json.Unmarshal(data, &req); err != nil {
			resp = ControlResponse{Error: fmt.Sprintf("malformed control request: %v", err)}
		} else {
			resp = s.handle(ctx, req)
		}
		if err := atomicfile.WriteJSON(ipc.ResponsePath(s.dir, reqID), resp); err != nil {
			log.Warn("writing control response", "request_id", reqID, "error", err)
		}
	}
}

func (s *ControlServer) handle(ctx context.Context, req ControlRequest) ControlResponse {
	log.Info("control request", "action", string(req.Action), "group", req.Group)
	switch req.Action {
	case ActionInterrupt:
		if !ipc.ValidFolder(req.Group) {
			return ControlResponse{Error: fmt.Sprintf("invalid group %q", req.Group)}
		}
		if !s.ctl.Interrupt(req.Group) {
			return ControlResponse{OK: true, Message: "nothing to interrupt for " + req.Group}
		}
		return ControlResponse{OK: true, Message: "interrupted " + req.Group}

	case ActionKill:
		if !ipc.ValidFolder(req.Group) {
			return ControlResponse{Error: fmt.Sprintf("invalid group %q", req.Group)}
		}
		reason := req.Reason
		if reason == "" {
			reason = "killed from cli"
		}
		if !s.ctl.Kill(ctx, req.Group, reason) {
			return ControlResponse{OK: true, Message: "no sandbox for " + req.Group}
		}
		return ControlResponse{OK: true, Message: "killed " + req.Group}

	case ActionList:
		return ControlResponse{OK: true, Entries: s.ctl.Entries()}

	case ActionReap:
		n, err := s.ctl.ReclaimOrphans(ctx)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Reclaimed: n}
	}
	return ControlResponse{Error: fmt.Sprintf("unknown action %q", req.Action)}
}

// SendControl delivers req to the daemon described by lock and waits for
// its answer.
func SendControl(ctx context.Context, lock *LockInfo, req ControlRequest, timeout time.Duration) (ControlResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ControlResponse{}, err
	}
	tr := ipc.NewTransport(50 * time.Millisecond)
	tr.PeerCheckInterval = 500 * time.Millisecond
	data, err := tr.Request(ctx, lock.ControlDir, payload, ipc.Options{
		Timeout: timeout,
		Peer:    func(context.Context) bool { return lock.IsAlive() },
	})
	if err != nil {
		return ControlResponse{}, fmt.Errorf("contacting daemon (pid %d): %w", lock.PID, err)
	}
	var resp ControlResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ControlResponse{}, fmt.Errorf("parsing daemon response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("daemon: %s", resp.Error)
	}
	return resp, nil
}
