package router

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/mounts"
	"github.com/majorcontext/corral/internal/store"
)

// GroupsSnapshotFile is written into the privileged group's mailbox on
// refresh_groups.
const GroupsSnapshotFile = "registered_groups.json"

func (r *Router) handleMessage(ctx context.Context, folder string, msg Message) error {
	switch m := msg.(type) {
	case ChatMessage:
		if err := r.authorizeChat(folder, m.ChatJID); err != nil {
			return err
		}
		if err := r.messenger().SendMessage(ctx, m.ChatJID, m.Text); err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		log.Info("message delivered", "group", folder, "chat_jid", m.ChatJID)
		return nil

	case VoiceMessage:
		if err := r.authorizeChat(folder, m.ChatJID); err != nil {
			return err
		}
		path, err := r.hostPath(folder, m.Path)
		if err != nil {
			return err
		}
		if err := r.messenger().SendVoice(ctx, m.ChatJID, path); err != nil {
			return fmt.Errorf("sending voice: %w", err)
		}
		log.Info("voice note delivered", "group", folder, "chat_jid", m.ChatJID)
		return nil

	case FileMessage:
		if err := r.authorizeChat(folder, m.ChatJID); err != nil {
			return err
		}
		path, err := r.hostPath(folder, m.Path)
		if err != nil {
			return err
		}
		if err := r.messenger().SendFile(ctx, m.ChatJID, path, m.Caption); err != nil {
			return fmt.Errorf("sending file: %w", err)
		}
		log.Info("file delivered", "group", folder, "chat_jid", m.ChatJID)
		return nil

	case ScheduleTask:
		return r.scheduleTask(ctx, folder, m)
	case TaskControl:
		return r.controlTask(ctx, folder, m)
	case RegisterGroup:
		return r.registerGroup(ctx, folder, m)

	case SkillChanged:
		log.Info("skill changed, sandbox will restart on next use", "group", folder, "skill", m.Skill)
		if r.opts.OnSkillChanged != nil {
			r.opts.OnSkillChanged(folder)
		}
		return nil

	case RefreshGroups:
		if !r.privileged(folder) {
			return fmt.Errorf("%w: refresh_groups from %s", ErrUnauthorized, folder)
		}
		if err := r.RefreshGroups(ctx); err != nil {
			return fmt.Errorf("refreshing groups: %w", err)
		}
		return r.writeGroupsSnapshot(folder)
	}
	return fmt.Errorf("unhandled mailbox type %q", msg.Kind())
}

// authorizeChat allows the privileged group to reach any chat and every
// other group to reach only the chat registered to its own folder.
func (r *Router) authorizeChat(folder, chatJID string) error {
	if chatJID == "" {
		return fmt.Errorf("message has no chatJid")
	}
	if r.privileged(folder) {
		return nil
	}
	if g, ok := r.group(chatJID); ok && g.Folder == folder {
		return nil
	}
	return fmt.Errorf("%w: %s may not message %s", ErrUnauthorized, folder, chatJID)
}

// hostPath maps a path inside the sandbox's group mount to the host. Paths
// outside the group workspace are rejected.
func (r *Router) hostPath(folder, p string) (string, error) {
	rel := p
	if filepath.IsAbs(p) {
		clean := filepath.Clean(p)
		if clean != mounts.GroupTarget && !strings.HasPrefix(clean, mounts.GroupTarget+"/") {
			return "", fmt.Errorf("path %q is outside the group workspace", p)
		}
		rel = strings.TrimPrefix(strings.TrimPrefix(clean, mounts.GroupTarget), "/")
	}
	if rel == "" {
		return "", fmt.Errorf("path %q names the workspace itself", p)
	}
	root, err := securejoin.SecureJoin(r.opts.GroupsDir, folder)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(root, rel)
}

func (r *Router) scheduleTask(ctx context.Context, folder string, m ScheduleTask) error {
	if strings.TrimSpace(m.Prompt) == "" {
		return fmt.Errorf("schedule_task has no prompt")
	}

	// A non-privileged sender always schedules into its own folder.
	target, ok := r.chatFor(folder)
	if m.TargetJID != "" {
		if r.privileged(folder) {
			target, ok = r.group(m.TargetJID)
			if !ok {
				return fmt.Errorf("schedule_task targets unregistered chat %s", m.TargetJID)
			}
		} else if !ok || m.TargetJID != target.JID {
			log.Warn("ignoring schedule_task target from non-privileged group", "group", folder, "claimed", m.TargetJID)
		}
	}
	if !ok {
		return fmt.Errorf("group %s has no registered chat", folder)
	}

	typ := store.ScheduleType(m.ScheduleType)
	next, err := NextRun(typ, m.ScheduleValue, r.now(), r.opts.Location)
	if err != nil {
		return err
	}
	mode := m.ContextMode
	if mode != "group" {
		mode = "isolated"
	}
	task := store.Task{
		ID:            r.newID(),
		GroupFolder:   target.Folder,
		ChatJID:       target.JID,
		Prompt:        m.Prompt,
		ScheduleType:  typ,
		ScheduleValue: m.ScheduleValue,
		ContextMode:   mode,
		NextRun:       next,
		Status:        store.TaskActive,
		CreatedAt:     r.now(),
	}
	if err := r.registry().CreateTask(ctx, task); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	log.Info("task scheduled", "group", folder, "task_id", task.ID, "target", task.GroupFolder, "next_run", next)
	return nil
}

func (r *Router) controlTask(ctx context.Context, folder string, m TaskControl) error {
	if m.TaskID == "" {
		return fmt.Errorf("%s has no taskId", m.Action)
	}
	reg := r.registry()
	task, err := reg.Task(ctx, m.TaskID)
	if err != nil {
		return fmt.Errorf("%s: %w", m.Action, err)
	}
	if !r.privileged(folder) && task.GroupFolder != folder {
		return fmt.Errorf("%w: %s may not %s task %s owned by %s", ErrUnauthorized, folder, m.Action, task.ID, task.GroupFolder)
	}

	switch m.Action {
	case KindPauseTask:
		err = reg.SetTaskStatus(ctx, task.ID, store.TaskPaused)
	case KindResumeTask:
		err = reg.SetTaskStatus(ctx, task.ID, store.TaskActive)
	case KindCancelTask:
		err = reg.DeleteTask(ctx, task.ID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", m.Action, err)
	}
	log.Info("task updated", "group", folder, "task_id", task.ID, "action", string(m.Action))
	return nil
}

func (r *Router) registerGroup(ctx context.Context, folder string, m RegisterGroup) error {
	if !r.privileged(folder) {
		return fmt.Errorf("%w: register_group from %s", ErrUnauthorized, folder)
	}
	if m.JID == "" || m.Name == "" {
		return fmt.Errorf("register_group needs jid and name")
	}
	if !ipc.ValidFolder(m.Folder) || m.Folder == ipc.ErrorsDir {
		return fmt.Errorf("register_group: invalid folder %q", m.Folder)
	}
	g := store.Group{JID: m.JID, Name: m.Name, Folder: m.Folder, Trigger: m.Trigger, AddedAt: r.now()}
	if err := r.registry().RegisterGroup(ctx, g); err != nil {
		return fmt.Errorf("registering group: %w", err)
	}
	if _, err := r.layout.Ensure(m.Folder); err != nil {
		return fmt.Errorf("creating mailbox for %s: %w", m.Folder, err)
	}
	if err := r.RefreshGroups(ctx); err != nil {
		log.Warn("refreshing groups after registration", "error", err)
	}
	log.Info("group registered", "jid", m.JID, "folder", m.Folder)
	return nil
}

func (r *Router) writeGroupsSnapshot(folder string) error {
	dir, err := r.layout.GroupDir(folder)
	if err != nil {
		return err
	}
	return atomicfile.WriteJSON(filepath.Join(dir, GroupsSnapshotFile), map[string]any{
		"groups":     r.snapshot(),
		"updated_at": r.now().UTC(),
	})
}

func (r *Router) messenger() Messenger {
	if r.opts.Messenger == nil {
		return LogMessenger{}
	}
	return r.opts.Messenger
}

func (r *Router) registry() Registry {
	if r.opts.Registry == nil {
		return noRegistry{}
	}
	return r.opts.Registry
}
