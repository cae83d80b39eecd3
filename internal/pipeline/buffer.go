package pipeline

import "github.com/ajitpratap0/nebula-target/pkg/models"

// Buffer collects the rows of one stream until they are flushed. Rows with
// the same key collapse to the last one appended, keeping the position of the
// first. It is owned by the reader goroutine.
type Buffer struct {
	size   int
	rows   []models.Record
	index  map[string]int
	forced bool
}

// NewBuffer creates a buffer that is full at size distinct keys.
func NewBuffer(size int) *Buffer {
	return &Buffer{size: size, index: make(map[string]int)}
}

// Append adds rec. A record with an empty key is kept as its own row and
// never replaces or is replaced by another.
func (b *Buffer) Append(rec models.Record) {
	if rec.Key == "" {
		b.rows = append(b.rows, rec)
		return
	}
	if i, ok := b.index[rec.Key]; ok {
		b.rows[i] = rec
		return
	}
	b.index[rec.Key] = len(b.rows)
	b.rows = append(b.rows, rec)
}

// Len returns the number of distinct rows.
func (b *Buffer) Len() int {
	return len(b.rows)
}

// IsFull reports whether the buffer should be flushed.
func (b *Buffer) IsFull() bool {
	return len(b.rows) >= b.size || (b.forced && len(b.rows) > 0)
}

// Force marks the buffer full regardless of its size.
func (b *Buffer) Force() {
	b.forced = true
}

// Drain empties the buffer and returns its rows in arrival order.
func (b *Buffer) Drain() []models.Record {
	rows := b.rows
	b.rows = nil
	b.index = make(map[string]int, len(rows))
	b.forced = false
	return rows
}
