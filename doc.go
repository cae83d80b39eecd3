// Package target is the receiving end of a change-data-capture pipeline. It
// reads typed, self-describing records from stdin and loads them into
// BigQuery tables, evolving each table as the upstream schema drifts and
// writing checkpoint values to stdout once the rows before them are
// committed.
//
// # Flow
//
//	stdin ──► protocol.Reader ──► pipeline.Dispatcher ──► pipeline.Engine
//	                                                     │
//	           schema.TypeMapper / schema.EvolutionEngine ┤ per-stream state
//	                                       pipeline.Buffer┤ and buffers
//	                                                     ▼
//	          pipeline.Scheduler ──► loader.MergeExecutor ──► core.Warehouse
//	                 │                                       (bigquery, sqlite, memory)
//	                 ▼
//	       checkpoint tracker ──► protocol.StateWriter ──► stdout
//
// A type change never rewrites data. The new type gets its own column,
// {field}__{suffix}, which becomes the active column while the old one keeps
// the rows written before the change.
//
// # Key Packages
//
//	internal/pipeline                 - engine, buffers, flush scheduler, checkpoints
//	pkg/schema                        - logical types, mapping, coercion, evolution
//	pkg/loader                        - stage, merge and version jobs against a warehouse
//	pkg/connector/destinations/...    - BigQuery, SQLite and in-memory warehouses
//	pkg/protocol                      - line protocol decoding and checkpoint output
//	pkg/config                        - configuration loading and validation
//
// # Running
//
//	tap-postgres | target-bigquery run --config target.json > state.jsonl
//	target-bigquery validate-config --config target.json --print effective.yaml
package target
