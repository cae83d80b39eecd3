package bigquery

import (
	"fmt"
	"io"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// avroType describes one column type in an Avro schema together with the
// name goavro uses for it inside a union.
type avroType struct {
	schema interface{}
	branch string
}

func avroTypeOf(t schema.LogicalType, path string) avroType {
	switch t.Kind {
	case schema.KindInteger:
		return avroType{"long", "long"}
	case schema.KindFloat:
		return avroType{"double", "double"}
	case schema.KindBoolean:
		return avroType{"boolean", "boolean"}
	case schema.KindNumeric:
		return avroType{map[string]interface{}{
			"type": "bytes", "logicalType": "decimal", "precision": t.Precision, "scale": t.Scale,
		}, "bytes.decimal"}
	case schema.KindTimestamp:
		return avroType{map[string]interface{}{"type": "long", "logicalType": "timestamp-micros"}, "long.timestamp-micros"}
	case schema.KindTime:
		return avroType{map[string]interface{}{"type": "long", "logicalType": "time-micros"}, "long.time-micros"}
	case schema.KindJSON:
		return avroType{map[string]interface{}{"type": "string", "sqlType": "JSON"}, "string"}
	case schema.KindRepeated:
		elem := avroTypeOf(*t.Elem, path)
		return avroType{map[string]interface{}{"type": "array", "items": elem.schema}, "array"}
	case schema.KindRecord:
		name := "r_" + path
		return avroType{map[string]interface{}{
			"type": "record", "name": name, "fields": avroFields(t.Fields, path),
		}, name}
	default:
		return avroType{"string", "string"}
	}
}

func avroFields(columns []schema.ColumnDefinition, path string) []interface{} {
	fields := make([]interface{}, len(columns))
	for i, c := range columns {
		child := c.Name
		if path != "" {
			child = path + "_" + c.Name
		}
		fields[i] = map[string]interface{}{
			"name":    c.Name,
			"type":    []interface{}{"null", avroTypeOf(c.Type, child).schema},
			"default": nil,
		}
	}
	return fields
}

// AvroSchema returns the Avro schema of a staged batch. Every column is a
// union with null.
func AvroSchema(columns []schema.ColumnDefinition) (string, error) {
	b, err := json.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   "staged_row",
		"fields": avroFields(columns, ""),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeAvro writes the rows of batch to out as an Avro object container
// file.
func EncodeAvro(out io.Writer, batch *core.Batch, compression string) error {
	avroSchema, err := AvroSchema(batch.Columns)
	if err != nil {
		return fmt.Errorf("failed to build Avro schema: %w", err)
	}
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return fmt.Errorf("failed to create Avro codec: %w", err)
	}

	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               out,
		Codec:           codec,
		CompressionName: compression,
	})
	if err != nil {
		return fmt.Errorf("failed to create Avro writer: %w", err)
	}

	natives := make([]interface{}, 0, len(batch.Rows))
	for _, rec := range batch.Rows {
		native, err := nativeRecord(batch.Columns, rec.Values, "")
		if err != nil {
			return err
		}
		natives = append(natives, native)
	}
	if len(natives) > 0 {
		if err := w.Append(natives); err != nil {
			return fmt.Errorf("failed to write Avro records: %w", err)
		}
	}
	return nil
}

func nativeRecord(columns []schema.ColumnDefinition, values map[string]interface{}, path string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		child := c.Name
		if path != "" {
			child = path + "_" + c.Name
		}
		v := values[c.Name]
		if v == nil {
			out[c.Name] = nil
			continue
		}
		native, err := nativeValue(c.Type, v, child)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[c.Name] = goavro.Union(avroTypeOf(c.Type, child).branch, native)
	}
	return out, nil
}

// nativeValue converts a coerced value into goavro's native form.
func nativeValue(t schema.LogicalType, v interface{}, path string) (interface{}, error) {
	switch t.Kind {
	case schema.KindNumeric:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("expected decimal, got %T", v)
		}
		return d.Rat(), nil
	case schema.KindTimestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time, got %T", v)
		}
		return ts.UTC(), nil
	case schema.KindRepeated:
		items, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			native, err := nativeValue(*t.Elem, item, path)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case schema.KindRecord:
		fields, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected record, got %T", v)
		}
		return nativeRecord(t.Fields, fields, path)
	default:
		return v, nil
	}
}
