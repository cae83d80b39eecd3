package bigquery

import (
	"cloud.google.com/go/bigquery"

	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// toBigQuerySchema converts column definitions into a BigQuery schema. All
// fields are NULLABLE, or REPEATED for lists.
func toBigQuerySchema(columns []schema.ColumnDefinition) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(columns))
	for _, c := range columns {
		out = append(out, toFieldSchema(c.Name, c.Type))
	}
	return out
}

func toFieldSchema(name string, t schema.LogicalType) *bigquery.FieldSchema {
	if t.Kind == schema.KindRepeated {
		f := toFieldSchema(name, *t.Elem)
		f.Repeated = true
		return f
	}

	f := &bigquery.FieldSchema{Name: name, Type: fieldType(t.Kind)}
	switch t.Kind {
	case schema.KindNumeric:
		f.Precision = int64(t.Precision)
		f.Scale = int64(t.Scale)
	case schema.KindRecord:
		f.Schema = toBigQuerySchema(t.Fields)
	}
	return f
}

func fieldType(k schema.Kind) bigquery.FieldType {
	switch k {
	case schema.KindInteger:
		return bigquery.IntegerFieldType
	case schema.KindFloat:
		return bigquery.FloatFieldType
	case schema.KindNumeric:
		return bigquery.NumericFieldType
	case schema.KindBoolean:
		return bigquery.BooleanFieldType
	case schema.KindTimestamp:
		return bigquery.TimestampFieldType
	case schema.KindTime:
		return bigquery.TimeFieldType
	case schema.KindJSON:
		return bigquery.JSONFieldType
	case schema.KindRecord:
		return bigquery.RecordFieldType
	default:
		return bigquery.StringFieldType
	}
}

// fromBigQuerySchema is the inverse of toBigQuerySchema. Types this target
// never creates, such as DATE or BYTES, read back as STRING.
func fromBigQuerySchema(s bigquery.Schema) []schema.ColumnDefinition {
	out := make([]schema.ColumnDefinition, 0, len(s))
	for _, f := range s {
		out = append(out, schema.ColumnDefinition{
			Name:     f.Name,
			Type:     fromFieldSchema(f),
			Nullable: !f.Required,
		})
	}
	return out
}

func fromFieldSchema(f *bigquery.FieldSchema) schema.LogicalType {
	var t schema.LogicalType
	switch f.Type {
	case bigquery.IntegerFieldType:
		t = schema.Scalar(schema.KindInteger)
	case bigquery.FloatFieldType:
		t = schema.Scalar(schema.KindFloat)
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		precision, scale := int(f.Precision), int(f.Scale)
		if precision == 0 {
			precision, scale = schema.NumericPrecision, schema.NumericScale
		}
		t = schema.Numeric(precision, scale)
	case bigquery.BooleanFieldType:
		t = schema.Scalar(schema.KindBoolean)
	case bigquery.TimestampFieldType:
		t = schema.Scalar(schema.KindTimestamp)
	case bigquery.TimeFieldType:
		t = schema.Scalar(schema.KindTime)
	case bigquery.JSONFieldType:
		t = schema.Scalar(schema.KindJSON)
	case bigquery.RecordFieldType:
		t = schema.Record(fromBigQuerySchema(f.Schema)...)
	default:
		t = schema.Scalar(schema.KindString)
	}
	if f.Repeated {
		return schema.Repeated(t)
	}
	return t
}

// missingFields returns the fields of want not present in have, by name.
func missingFields(have bigquery.Schema, want bigquery.Schema) bigquery.Schema {
	names := make(map[string]bool, len(have))
	for _, f := range have {
		names[f.Name] = true
	}
	var out bigquery.Schema
	for _, f := range want {
		if !names[f.Name] {
			out = append(out, f)
			names[f.Name] = true
		}
	}
	return out
}
