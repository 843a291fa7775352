package router

import (
	"context"
	"errors"

	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/store"
)

var errNoRegistry = errors.New("no group registry configured")

// LogMessenger writes outbound content to the log instead of a chat
// service. It is the default when no messenger is wired in.
type LogMessenger struct{}

func (LogMessenger) SendMessage(ctx context.Context, chatJID, text string) error {
	log.Info("outbound message", "chat_jid", chatJID, "text", text)
	return nil
}

func (LogMessenger) SendVoice(ctx context.Context, chatJID, path string) error {
	log.Info("outbound voice note", "chat_jid", chatJID, "path", path)
	return nil
}

func (LogMessenger) SendFile(ctx context.Context, chatJID, path, caption string) error {
	log.Info("outbound file", "chat_jid", chatJID, "path", path, "caption", caption)
	return nil
}

type noRegistry struct{}

func (noRegistry) Groups(context.Context) ([]store.Group, error)    { return nil, nil }
func (noRegistry) RegisterGroup(context.Context, store.Group) error { return errNoRegistry }
func (noRegistry) CreateTask(context.Context, store.Task) error     { return errNoRegistry }
func (noRegistry) Task(context.Context, string) (store.Task, error) {
	return store.Task{}, errNoRegistry
}
func (noRegistry) SetTaskStatus(context.Context, string, store.TaskStatus) error {
	return errNoRegistry
}
func (noRegistry) DeleteTask(context.Context, string) error { return errNoRegistry }

// LogStatus logs indicator updates.
type LogStatus struct{}

func (LogStatus) Update(ctx context.Context, folder string, ev StatusEvent) error {
	log.Info("status", "group", folder, "text", ev.Text)
	return nil
}
