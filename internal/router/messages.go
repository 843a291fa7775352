package router

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates mailbox files.
type Kind string

const (
	KindMessage       Kind = "message"
	KindVoice         Kind = "voice"
	KindFile          Kind = "file"
	KindScheduleTask  Kind = "schedule_task"
	KindPauseTask     Kind = "pause_task"
	KindResumeTask    Kind = "resume_task"
	KindCancelTask    Kind = "cancel_task"
	KindRegisterGroup Kind = "register_group"
	KindSkillChanged  Kind = "skill_changed"
	KindRefreshGroups Kind = "refresh_groups"
)

// Message is a decoded mailbox item. The concrete types below are the only
// implementations.
type Message interface {
	Kind() Kind
}

// ChatMessage sends text to a chat.
type ChatMessage struct {
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// VoiceMessage sends an audio file from the group's workspace.
type VoiceMessage struct {
	ChatJID string `json:"chatJid"`
	Path    string `json:"path"`
}

// FileMessage sends a document from the group's workspace.
type FileMessage struct {
	ChatJID string `json:"chatJid"`
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// ScheduleTask asks for a prompt to run on a schedule. TargetJID is only
// honored for the privileged group.
type ScheduleTask struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"targetJid,omitempty"`
}

// TaskControl pauses, resumes, or cancels a task.
type TaskControl struct {
	Action Kind   `json:"-"`
	TaskID string `json:"taskId"`
}

// RegisterGroup adds a chat as a new group.
type RegisterGroup struct {
	JID     string `json:"jid"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger,omitempty"`
}

// SkillChanged reports that the group's installed skills changed on disk.
type SkillChanged struct {
	Skill string `json:"skill,omitempty"`
}

// RefreshGroups asks for a fresh snapshot of registered groups.
type RefreshGroups struct{}

func (ChatMessage) Kind() Kind   { return KindMessage }
func (VoiceMessage) Kind() Kind  { return KindVoice }
func (FileMessage) Kind() Kind   { return KindFile }
func (ScheduleTask) Kind() Kind  { return KindScheduleTask }
func (t TaskControl) Kind() Kind { return t.Action }
func (RegisterGroup) Kind() Kind { return KindRegisterGroup }
func (SkillChanged) Kind() Kind  { return KindSkillChanged }
func (RefreshGroups) Kind() Kind { return KindRefreshGroups }

// Decode parses a mailbox file into its typed message.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing mailbox file: %w", err)
	}

	var msg Message
	var err error
	switch env.Type {
	case KindMessage:
		msg, err = decodeAs[ChatMessage](data)
	case KindVoice:
		msg, err = decodeAs[VoiceMessage](data)
	case KindFile:
		msg, err = decodeAs[FileMessage](data)
	case KindScheduleTask:
		msg, err = decodeAs[ScheduleTask](data)
	case KindPauseTask, KindResumeTask, KindCancelTask:
		var tc TaskControl
		tc, err = decodeAs[TaskControl](data)
		tc.Action = env.Type
		msg = tc
	case KindRegisterGroup:
		msg, err = decodeAs[RegisterGroup](data)
	case KindSkillChanged:
		msg, err = decodeAs[SkillChanged](data)
	case KindRefreshGroups:
		msg = RefreshGroups{}
	case "":
		return nil, fmt.Errorf("mailbox file has no type")
	default:
		return nil, fmt.Errorf("unknown mailbox type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", env.Type, err)
	}
	return msg, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// BrowseRequest is a browser-automation call from a sandbox.
type BrowseRequest struct {
	ID      string          `json:"-"`
	Action  string          `json:"action"`
	URL     string          `json:"url,omitempty"`
	ChatJID string          `json:"chatJid,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ActionWaitForUser hands the browser to a human before continuing.
const ActionWaitForUser = "wait_for_user"

// BrowseResponse is written back to browse/res-<id>.json.
type BrowseResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusEvent is a progress report from a sandbox.
type StatusEvent struct {
	Phase     string `json:"phase,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts,omitempty"`
}
