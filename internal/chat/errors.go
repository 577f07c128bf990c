package chat

import "fmt"

// ExitKind classifies why a capture cannot proceed.
type ExitKind int

const (
	ExitUnavailable ExitKind = iota
	ExitLoginRequired
	ExitUnplayable
	ExitChatDisabled
	ExitNoReplay
)

func (k ExitKind) String() string {
	switch k {
	case ExitUnavailable:
		return "video unavailable"
	case ExitLoginRequired:
		return "login required"
	case ExitUnplayable:
		return "video unplayable"
	case ExitChatDisabled:
		return "chat disabled"
	case ExitNoReplay:
		return "no chat replay"
	}
	return "unknown"
}

// ExitError is a typed capture exit derived from the playability status or
// the conversation bar of the watch page.
type ExitError struct {
	Kind    ExitKind
	Message string
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the capture should be attempted again later.
// Only chat-disabled on a stream that has not started yet qualifies.
func (e *ExitError) Retryable(status string) bool {
	return e.Kind == ExitChatDisabled && status == "upcoming"
}
