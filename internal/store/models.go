// Package store persists jobs, autoscheduler rules and pending chat
// captures in a single embedded database under dbs/.
package store

// Status is the lifecycle state of a job. The wire form is uppercase for
// compatibility with existing websocket clients.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusPreparing   Status = "PREPARING"
	StatusDownloading Status = "DOWNLOADING"
	StatusMuxing      Status = "MUXING"
	StatusUploading   Status = "UPLOADING"
	StatusCleaning    Status = "CLEANING"
	StatusDone        Status = "DONE"
	StatusError       Status = "ERROR"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether the scheduler must never re-dispatch this state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// InFlight reports whether the state names an active pipeline stage.
func (s Status) InFlight() bool {
	switch s {
	case StatusPreparing, StatusDownloading, StatusMuxing, StatusUploading, StatusCleaning:
		return true
	}
	return false
}

// Platform identifies the streaming service a job records from.
type Platform string

const (
	PlatformYoutube     Platform = "youtube"
	PlatformTwitch      Platform = "twitch"
	PlatformTwitcasting Platform = "twitcasting"
	PlatformTwitter     Platform = "twitter"
	PlatformMildom      Platform = "mildom"
)

// Job is one broadcast to archive.
type Job struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Filename   string   `json:"filename"`
	Resolution string   `json:"resolution,omitempty"`
	ChannelID  string   `json:"channel_id"`
	MemberOnly bool     `json:"member_only"`
	StartTime  int64    `json:"start_time"`
	Platform   Platform `json:"platform"`
	Status     Status   `json:"status"`
	// LastStatus is the stage the job was in when it entered ERROR.
	// Empty on every non-error status.
	LastStatus Status `json:"last_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RuleType selects what an AutoRule matches against an inbound video.
type RuleType string

const (
	RuleChannel   RuleType = "channel"
	RuleGroup     RuleType = "group"
	RuleWord      RuleType = "word"
	RuleRegexWord RuleType = "regex_word"
)

// ValidRuleType reports whether t is a known rule type.
func ValidRuleType(t RuleType) bool {
	switch t {
	case RuleChannel, RuleGroup, RuleWord, RuleRegexWord:
		return true
	}
	return false
}

// RuleChain is one additional condition ANDed onto a word/regex rule.
type RuleChain struct {
	Type RuleType `json:"type"`
	Data string   `json:"data"`
}

// AutoRule is one include/exclude filter row for the autoscheduler.
type AutoRule struct {
	ID      uint64      `json:"id"`
	Type    RuleType    `json:"type"`
	Data    string      `json:"data"`
	Include bool        `json:"include"`
	Chains  []RuleChain `json:"chains,omitempty"`
}

// PendingChat marks a chat capture that has not been uploaded yet. A row
// surviving a restart is a crash marker and triggers resume.
type PendingChat struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	ChannelID  string `json:"channel_id"`
	MemberOnly bool   `json:"member_only"`
	// Done flips when the capture loop ends normally; a restart then only
	// needs to upload, not re-capture.
	Done bool `json:"done,omitempty"`
}
