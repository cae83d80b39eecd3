// Package models provides the row model shared by the buffering, staging and
// warehouse layers.
package models

// Metadata column names added to streams that track extraction, batching,
// soft deletes or table versions.
const (
	ColumnExtractedAt  = "_sdc_extracted_at"
	ColumnBatchedAt    = "_sdc_batched_at"
	ColumnDeletedAt    = "_sdc_deleted_at"
	ColumnTableVersion = "_sdc_table_version"
)

// Record is one buffered row. Values are keyed by physical column name and
// hold coerced Go values; column order comes from the batch's column list.
// A Record is never modified after it is appended to a buffer.
type Record struct {
	// Key is the primary-key string used for in-batch deduplication.
	Key    string
	Values map[string]interface{}
}

// NewRecord creates a record.
func NewRecord(key string, values map[string]interface{}) Record {
	return Record{Key: key, Values: values}
}

// Get returns the value of a column, or nil.
func (r Record) Get(column string) interface{} {
	return r.Values[column]
}

// Deleted reports whether the record carries a soft-delete marker. Any
// non-NULL value marks the row, as in the warehouses' hard-delete statements.
func (r Record) Deleted() bool {
	return r.Values[ColumnDeletedAt] != nil
}
