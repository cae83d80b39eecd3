package schema

import (
	"sort"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// ObjectMode selects how an object that is not flattened is stored.
type ObjectMode string

const (
	// ObjectModeJSON stores the serialised subtree in a JSON column.
	ObjectModeJSON ObjectMode = "json"
	// ObjectModeRecord stores objects with declared properties as RECORD columns.
	ObjectModeRecord ObjectMode = "record"
)

// MapperOptions configures a TypeMapper.
type MapperOptions struct {
	// MaxLevel is the flattening depth budget for nested objects.
	MaxLevel   int
	ObjectMode ObjectMode
}

// TypeMapper maps JSON-schema properties to column definitions. It is pure
// and safe for concurrent use.
type TypeMapper struct {
	opts MapperOptions
}

// NewTypeMapper creates a mapper.
func NewTypeMapper(opts MapperOptions) *TypeMapper {
	if opts.ObjectMode == "" {
		opts.ObjectMode = ObjectModeJSON
	}
	return &TypeMapper{opts: opts}
}

// MaxLevel returns the flattening depth budget.
func (m *TypeMapper) MaxLevel() int {
	return m.opts.MaxLevel
}

var jsonSchemaTypes = map[string]bool{
	"null": true, "string": true, "integer": true, "number": true,
	"boolean": true, "object": true, "array": true,
}

// MapSchema maps every property of root, flattening objects up to the
// configured depth. Columns are returned sorted by name.
func (m *TypeMapper) MapSchema(root *Property) ([]ColumnDefinition, error) {
	if root == nil {
		return nil, nil
	}
	var cols []ColumnDefinition
	for _, key := range sortedKeys(root.Properties) {
		mapped, err := m.flatten(SafeColumnName(key), nil, root.Properties[key], m.opts.MaxLevel)
		if err != nil {
			return nil, err
		}
		cols = append(cols, mapped...)
	}

	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	for i := 1; i < len(cols); i++ {
		if cols[i].Name == cols[i-1].Name {
			return nil, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "duplicate column name produced in schema").
				WithDetail("column", cols[i].Name)
		}
	}
	return cols, nil
}

// Map maps a single property. Objects with properties flatten into child
// columns while depth > 0; everything else yields exactly one column.
func (m *TypeMapper) Map(name string, p *Property, depth int) ([]ColumnDefinition, error) {
	return m.flatten(SafeColumnName(name), nil, p, depth)
}

func (m *TypeMapper) flatten(key string, parents []string, p *Property, depth int) ([]ColumnDefinition, error) {
	name := FlattenKey(key, parents)
	resolved, nullable, err := resolve(name, p)
	if err != nil {
		return nil, err
	}

	if resolved.IsObject() && len(resolved.Properties) > 0 && depth > 0 {
		path := make([]string, 0, len(parents)+1)
		path = append(append(path, parents...), key)

		var cols []ColumnDefinition
		for _, child := range sortedKeys(resolved.Properties) {
			mapped, err := m.flatten(SafeColumnName(child), path, resolved.Properties[child], depth-1)
			if err != nil {
				return nil, err
			}
			cols = append(cols, mapped...)
		}
		return cols, nil
	}

	t, err := m.mapType(name, resolved, true)
	if err != nil {
		return nil, err
	}
	return []ColumnDefinition{{Name: name, Type: t, Nullable: nullable}}, nil
}

func (m *TypeMapper) mapType(name string, p *Property, topLevel bool) (LogicalType, error) {
	switch {
	case p.Type.Has("array"):
		if p.Items == nil || p.Items.Ref != "" {
			return Scalar(KindJSON), nil
		}
		items, _, err := resolve(name, p.Items)
		if err != nil {
			return LogicalType{}, err
		}
		switch {
		case items.Type.Has("array"):
			// Warehouses cannot store arrays of arrays.
			return Scalar(KindJSON), nil
		case items.IsUnstructured():
			return Repeated(Scalar(KindJSON)), nil
		case items.IsObject():
			rec, err := m.recordType(name, items)
			if err != nil {
				return LogicalType{}, err
			}
			return Repeated(rec), nil
		default:
			return Repeated(scalarType(items)), nil
		}

	case p.IsObject():
		if len(p.Properties) == 0 {
			return Scalar(KindJSON), nil
		}
		if topLevel && m.opts.ObjectMode != ObjectModeRecord {
			return Scalar(KindJSON), nil
		}
		return m.recordType(name, p)

	default:
		return scalarType(p), nil
	}
}

func (m *TypeMapper) recordType(name string, p *Property) (LogicalType, error) {
	fields := make([]ColumnDefinition, 0, len(p.Properties))
	seen := make(map[string]bool, len(p.Properties))
	for _, key := range sortedKeys(p.Properties) {
		fieldName := SafeColumnName(key)
		if seen[fieldName] {
			return LogicalType{}, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "duplicate field name produced in record").
				WithDetail("column", name).
				WithDetail("field", fieldName)
		}
		seen[fieldName] = true

		resolved, nullable, err := resolve(name+"."+fieldName, p.Properties[key])
		if err != nil {
			return LogicalType{}, err
		}
		t, err := m.mapType(name+"."+fieldName, resolved, false)
		if err != nil {
			return LogicalType{}, err
		}
		fields = append(fields, ColumnDefinition{Name: fieldName, Type: t, Nullable: nullable})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return Record(fields...), nil
}

func scalarType(p *Property) LogicalType {
	switch {
	case p.Format == "date-time":
		return Scalar(KindTimestamp)
	case p.Format == "time":
		return Scalar(KindTime)
	case p.Type.Has("number"):
		if p.Format == "float" || p.Format == "double" {
			return Scalar(KindFloat)
		}
		return Scalar(KindNumeric)
	case p.Type.Has("integer") && p.Type.Has("string"):
		return Scalar(KindString)
	case p.Type.Has("integer"):
		return Scalar(KindInteger)
	case p.Type.Has("boolean"):
		return Scalar(KindBoolean)
	default:
		return Scalar(KindString)
	}
}

// resolve returns the property to map and whether it is nullable. A property
// without "type" takes its first non-null anyOf alternative.
func resolve(name string, p *Property) (*Property, bool, error) {
	if p == nil {
		return nil, false, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "property has no definition").
			WithDetail("column", name)
	}

	if len(p.Type) > 0 {
		for _, t := range p.Type {
			if !jsonSchemaTypes[t] {
				return nil, false, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "unsupported property type").
					WithDetail("column", name).
					WithDetail("type", t)
			}
		}
		return p, p.Type.Has("null"), nil
	}

	if len(p.AnyOf) > 0 {
		for _, alt := range p.AnyOf {
			if alt == nil || (len(alt.Type) == 1 && alt.Type[0] == "null") {
				continue
			}
			resolved, _, err := resolve(name, alt)
			return resolved, true, err
		}
		return &Property{Type: TypeList{"null", "string"}}, true, nil
	}

	if p.Ref != "" {
		// Unresolvable references are kept as raw JSON.
		return &Property{Type: TypeList{"null", "object"}}, true, nil
	}

	return nil, false, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "property declares neither type nor anyOf").
		WithDetail("column", name)
}

func sortedKeys(m map[string]*Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
