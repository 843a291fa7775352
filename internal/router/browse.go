package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/log"
)

const (
	browseRequestPrefix  = "req-"
	browseResponsePrefix = "res-"
)

// drainBrowse picks up browser requests and serves each in its own
// goroutine, since wait_for_user can block on a human. The request file is
// removed on pickup so it is never dispatched twice.
func (r *Router) drainBrowse(ctx context.Context, folder, dir string) {
	for _, name := range mailboxFiles(dir, browseRequestPrefix) {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req BrowseRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
			if err == nil {
				err = fmt.Errorf("browse request has no action")
			}
			log.Error("malformed browse request", "group", folder, "file", name, "error", err)
			r.quarantine(folder, path)
			continue
		}
		req.ID = strings.TrimSuffix(strings.TrimPrefix(name, browseRequestPrefix), ".json")
		r.consume(path)

		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.serveBrowse(ctx, folder, dir, req)
		}()
	}
}

func (r *Router) serveBrowse(ctx context.Context, folder, dir string, req BrowseRequest) {
	logger := log.ForGroup(folder).With("request_id", req.ID, "action", req.Action)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("browse handler panicked", "panic", v)
			r.writeBrowseResponse(dir, req.ID, BrowseResponse{Status: "error", Error: "internal error"})
		}
	}()

	waiting := req.Action == ActionWaitForUser
	if waiting {
		r.sendHandoff(ctx, folder, req)
	} else if r.opts.Activity != nil {
		r.opts.Activity.Start(folder, req.Action)
	}

	var resp BrowseResponse
	var err error
	if r.opts.Browser == nil {
		err = fmt.Errorf("browser automation is not available")
	} else {
		resp.Result, err = r.opts.Browser.Browse(ctx, folder, req)
	}
	if !waiting && r.opts.Activity != nil {
		r.opts.Activity.End(folder, req.Action, err)
	}
	if err != nil {
		logger.Warn("browse request failed", "error", err)
		resp = BrowseResponse{Status: "error", Error: err.Error()}
	} else {
		resp.Status = "success"
	}
	r.writeBrowseResponse(dir, req.ID, resp)
}

func (r *Router) writeBrowseResponse(dir, id string, resp BrowseResponse) {
	path := filepath.Join(dir, browseResponsePrefix+id+".json")
	if err := atomicfile.WriteJSON(path, resp); err != nil {
		log.Error("writing browse response", "path", path, "error", err)
	}
}

// sendHandoff tells the group's chat that the browser is waiting for a
// person, with a link to take over.
func (r *Router) sendHandoff(ctx context.Context, folder string, req BrowseRequest) {
	chat := req.ChatJID
	if chat == "" || r.authorizeChat(folder, chat) != nil {
		g, ok := r.chatFor(folder)
		if !ok {
			log.Warn("no chat to send browser hand-off to", "group", folder)
			return
		}
		chat = g.JID
	}
	text := "The browser is waiting for you."
	if link := r.handoffLink(folder, req.ID); link != "" {
		text += " Take over here: " + link
	}
	if err := r.messenger().SendMessage(ctx, chat, text); err != nil {
		log.Warn("sending browser hand-off", "group", folder, "error", err)
	}
}

func (r *Router) handoffLink(folder, id string) string {
	if r.opts.HandoffURL == "" {
		return ""
	}
	return strings.NewReplacer("{group}", folder, "{id}", id).Replace(r.opts.HandoffURL)
}
