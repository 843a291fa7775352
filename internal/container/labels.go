package container

import (
	"path/filepath"
	"strings"
)

// Labels applied to every sandbox corral starts.
const (
	LabelPersistent = "corral.persistent"
	LabelGroup      = "corral.group"
	LabelIPCRoot    = "corral.ipc-root"
)

// SanitizeName turns a group folder into a string usable in container names:
// lowercase letters, digits, and single hyphens.
func SanitizeName(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "group"
	}
	if len(out) > 40 {
		out = strings.TrimSuffix(out[:40], "-")
	}
	return out
}

// OwnedBy reports whether info describes a persistent sandbox that mounts a
// directory inside ipcRoot. Both conditions must hold.
func OwnedBy(info Info, ipcRoot string) bool {
	if info.Labels[LabelPersistent] != "true" {
		return false
	}
	root := filepath.Clean(ipcRoot)
	for _, src := range info.MountSources {
		src = filepath.Clean(src)
		if src == root || strings.HasPrefix(src, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
