package app

import (
	"fmt"
	"strings"

	"roletracker/internal/platform"
)

func formatReason(reason string, role platform.Role, extra string) string {
	return fmt.Sprintf("%s\nRole: %s (name: %s, id: %s)\n%s", reason, role.Mention(), roleLabel(role), role.ID, extra)
}

func removalNote(reason string) string {
	return "\nRole Removed: " + reason
}

func roleLabel(role platform.Role) string {
	return firstNonBlank(role.Name, role.ID)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
