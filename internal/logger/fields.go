package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that paging
// activity for a given memory object can be correlated across the worker
// thread, the registration call sites and the vmem layer.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID
	KeySpanID  = "span_id"  // OpenTelemetry span ID

	// Pager identity
	KeyVolumeID  = "volume_id" // Pager instance ID (one per volume)
	KeyOperation = "operation" // Pager operation: page_in, supply, terminate, ...

	// Memory objects
	KeyObjectID   = "object_id"   // u64 key of the registered file / VMO
	KeyRangeStart = "range_start" // Faulted range start (bytes)
	KeyRangeEnd   = "range_end"   // Faulted range end (bytes, exclusive)
	KeySize       = "size"        // Object or supply size in bytes
	KeyChildCount = "child_count" // External duplicate count of a VMO

	// Registry lifecycle
	KeyHolder     = "holder"     // Holder variant: strong, weak
	KeyRegistered = "registered" // Number of registered files

	// Outcomes
	KeyError      = "error"       // Error value
	KeyDurationMS = "duration_ms" // Operation duration in milliseconds
)

// Object returns a standard attribute for a memory-object identifier.
func Object(id uint64) slog.Attr {
	return slog.Uint64(KeyObjectID, id)
}

// Range returns standard attributes for a faulted byte range.
func Range(start, end uint64) []any {
	return []any{KeyRangeStart, start, KeyRangeEnd, end}
}

// Err returns a standard attribute for an error value. A nil error
// formats as the empty string rather than "<nil>".
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// HolderKind formats a holder variant for the KeyHolder field.
func HolderKind(strong bool) string {
	if strong {
		return "strong"
	}
	return "weak"
}

// FormatObjectID renders an object ID the way pagefs logs and errors
// print it (hex, zero-padded to the common width).
func FormatObjectID(id uint64) string {
	return fmt.Sprintf("0x%016x", id)
}
