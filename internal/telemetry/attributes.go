package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every span in the daemon.
const (
	JobIDKey       = "job.id"
	JobPlatformKey = "job.platform"
	JobStatusKey   = "job.status"
	JobStageKey    = "job.stage"

	DiscoverySourceKey = "discovery.source"
	DiscoveryCountKey  = "discovery.count"

	ChatVideoIDKey  = "chat.video_id"
	ChatMessagesKey = "chat.messages"

	ErrorTypeKey = "error.type"
)

// JobAttributes describes one archival job on a span.
func JobAttributes(jobID, platform, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobPlatformKey, platform),
		attribute.String(JobStatusKey, status),
	}
}

// StageAttributes tags a span with the pipeline stage it covers.
func StageAttributes(jobID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobStageKey, stage),
	}
}

// DiscoveryAttributes describes one upstream listing poll.
func DiscoveryAttributes(source string, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DiscoverySourceKey, source),
		attribute.Int(DiscoveryCountKey, count),
	}
}

// ChatAttributes describes one chat capture session.
func ChatAttributes(videoID string, messages int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ChatVideoIDKey, videoID),
		attribute.Int(ChatMessagesKey, messages),
	}
}

// ErrorAttributes tags a span with a classified failure.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ErrorTypeKey, errorType),
	}
}
