package schema

// FlattenRecord flattens nested maps in a record the same way MapSchema
// flattens the declared properties. Recursion stops at maxLevel and at any key
// isColumn reports as an existing column, so a JSON or RECORD column keeps its
// whole subtree. Keys are made safe with SafeColumnName.
func FlattenRecord(values map[string]interface{}, maxLevel int, isColumn func(string) bool) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	flattenInto(out, values, nil, 0, maxLevel, isColumn)
	return out
}

func flattenInto(out, values map[string]interface{}, parents []string, level, maxLevel int, isColumn func(string) bool) {
	for k, v := range values {
		key := SafeColumnName(k)
		name := FlattenKey(key, parents)

		nested, ok := v.(map[string]interface{})
		if ok && level < maxLevel && (isColumn == nil || !isColumn(name)) {
			path := make([]string, 0, len(parents)+1)
			path = append(append(path, parents...), key)
			flattenInto(out, nested, path, level+1, maxLevel, isColumn)
			continue
		}
		out[name] = v
	}
}
