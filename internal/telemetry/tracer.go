package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for pager operations. Pager-specific keys use the
// "pager." prefix; memory-object keys use "vmo.".
const (
	AttrVolumeID   = "pager.volume_id"   // Pager instance ID
	AttrOperation  = "pager.operation"   // register, start_servicing, page_in, ...
	AttrObjectID   = "vmo.object_id"     // u64 key of the memory object
	AttrRangeStart = "vmo.range_start"   // Faulted range start
	AttrRangeEnd   = "vmo.range_end"     // Faulted range end (exclusive)
	AttrSize       = "vmo.size"          // Object size in bytes
	AttrChildCount = "vmo.child_count"   // External duplicate count
	AttrZeroFilled = "pager.zero_filled" // Fault answered from scratch buffer
)

// VolumeID returns the volume ID attribute.
func VolumeID(id string) attribute.KeyValue {
	return attribute.String(AttrVolumeID, id)
}

// ObjectID returns the memory-object key attribute.
func ObjectID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrObjectID, int64(id))
}

// FaultRange returns the faulted range attributes.
func FaultRange(start, end uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrRangeStart, int64(start)),
		attribute.Int64(AttrRangeEnd, int64(end)),
	}
}

// ChildCount returns the duplicate-count attribute.
func ChildCount(n uint32) attribute.KeyValue {
	return attribute.Int(AttrChildCount, int(n))
}

// ZeroFilled returns the zero-fill outcome attribute.
func ZeroFilled(zero bool) attribute.KeyValue {
	return attribute.Bool(AttrZeroFilled, zero)
}

// StartPagerSpan starts a span for a pager operation on an object.
func StartPagerSpan(ctx context.Context, operation string, objectID uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		attribute.String(AttrOperation, operation),
		ObjectID(objectID),
	}, attrs...)
	return Tracer().Start(ctx, "pager."+operation, trace.WithAttributes(all...))
}
