package process

import (
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// LogBuffer keeps the most recent log entries of one process, bounded by
// both total text bytes and entry count. The oldest entries are evicted
// first. It is not safe for concurrent use; the registry serializes access.
type LogBuffer struct {
	maxBytes   int
	maxEntries int

	entries []domain.LogEntry
	head    int
	count   int
	bytes   int
	nextSeq int64
	dropped int64
}

// NewLogBuffer creates a buffer holding at most maxEntries entries and
// maxBytes bytes of text.
func NewLogBuffer(maxBytes, maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &LogBuffer{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		entries:    make([]domain.LogEntry, maxEntries),
	}
}

// Append stores a line. Lines longer than the byte budget are truncated to it.
func (b *LogBuffer) Append(stream, text string, ts time.Time) domain.LogEntry {
	if b.maxBytes > 0 && len(text) > b.maxBytes {
		text = text[len(text)-b.maxBytes:]
	}
	b.nextSeq++
	entry := domain.LogEntry{Seq: b.nextSeq, Stream: stream, Text: text, Timestamp: ts}

	for b.count > 0 && (b.count == b.maxEntries || (b.maxBytes > 0 && b.bytes+len(text) > b.maxBytes)) {
		b.evictOldest()
	}
	idx := (b.head + b.count) % b.maxEntries
	b.entries[idx] = entry
	b.count++
	b.bytes += len(text)
	return entry
}

func (b *LogBuffer) evictOldest() {
	b.bytes -= len(b.entries[b.head].Text)
	b.entries[b.head] = domain.LogEntry{}
	b.head = (b.head + 1) % b.maxEntries
	b.count--
	b.dropped++
}

// Since returns up to limit entries with seq > afterSeq, oldest first.
func (b *LogBuffer) Since(afterSeq int64, limit int) []domain.LogEntry {
	out := []domain.LogEntry{}
	for i := 0; i < b.count; i++ {
		entry := b.entries[(b.head+i)%b.maxEntries]
		if entry.Seq <= afterSeq {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries.
func (b *LogBuffer) Len() int { return b.count }

// Bytes returns the retained text size.
func (b *LogBuffer) Bytes() int { return b.bytes }

// Dropped returns how many entries have been evicted.
func (b *LogBuffer) Dropped() int64 { return b.dropped }
