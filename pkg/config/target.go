package config

import (
	"strings"

	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// StreamLocation is the source location encoded in a stream id.
type StreamLocation struct {
	Catalog string
	Schema  string
	Table   string
}

// ParseStream splits a stream id on "-". "table", "schema-table" and
// "catalog-schema-table[-more]" are accepted; extra parts join the table
// name with "_".
func ParseStream(stream string) StreamLocation {
	parts := strings.Split(stream, "-")
	switch len(parts) {
	case 1:
		return StreamLocation{Table: parts[0]}
	case 2:
		return StreamLocation{Schema: parts[0], Table: parts[1]}
	default:
		return StreamLocation{Catalog: parts[0], Schema: parts[1], Table: strings.Join(parts[2:], "_")}
	}
}

// Target is where a stream is loaded.
type Target struct {
	Dataset        string
	Table          string
	StagingDataset string
}

// TargetFor resolves the dataset and table of a stream.
func (c *TargetConfig) TargetFor(stream string) Target {
	loc := ParseStream(stream)
	dataset := c.DefaultTargetSchema
	if m, ok := c.SchemaMapping[loc.Schema]; ok && m.TargetSchema != "" {
		dataset = m.TargetSchema
	} else if m, ok := c.SchemaMapping[strings.ToLower(loc.Schema)]; ok && m.TargetSchema != "" {
		dataset = m.TargetSchema
	}
	staging := c.TempSchema
	if staging == "" {
		staging = dataset
	}
	return Target{
		Dataset:        dataset,
		Table:          schema.SafeTableName(loc.Table),
		StagingDataset: staging,
	}
}
