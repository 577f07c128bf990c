// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldVideoID   = "video_id"
	FieldChannelID = "channel_id"
	FieldRuleID    = "rule_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBinary    = "binary"
	FieldStage     = "stage"
	FieldPlatform  = "platform"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Media fields
	FieldResolution = "resolution"

	// Path fields
	FieldPath   = "path"
	FieldTarget = "target"
)
