package pipeline

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-target/pkg/models"
)

func rec(key string, v interface{}) models.Record {
	return models.NewRecord(key, map[string]interface{}{"v": v})
}

func TestBuffer_LastWriteWins(t *testing.T) {
	b := NewBuffer(10)
	b.Append(rec("1", "a"))
	b.Append(rec("2", "b"))
	b.Append(rec("1", "c"))

	assert.Equal(t, 2, b.Len())
	rows := b.Drain()
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].Key)
	assert.Equal(t, "c", rows[0].Get("v"))
	assert.Equal(t, "b", rows[1].Get("v"))
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_KeylessRowsNeverCollapse(t *testing.T) {
	b := NewBuffer(10)
	b.Append(rec("", 1))
	b.Append(rec("", 2))
	b.Append(rec("RID-1", 3))
	b.Append(rec("RID-1", 4))
	rows := b.Drain()
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].Get("v"))
	assert.Equal(t, 2, rows[1].Get("v"))
	assert.Equal(t, 4, rows[2].Get("v"))

	b.Append(rec("", 5))
	assert.Len(t, b.Drain(), 1)
}

func TestBuffer_Full(t *testing.T) {
	b := NewBuffer(2)
	b.Append(rec("1", 1))
	assert.False(t, b.IsFull())
	b.Append(rec("1", 2))
	assert.False(t, b.IsFull(), "duplicates do not count")
	b.Append(rec("2", 3))
	assert.True(t, b.IsFull())
	b.Drain()
	assert.False(t, b.IsFull())

	b.Force()
	assert.False(t, b.IsFull(), "an empty buffer is never full")
	b.Append(rec("3", 4))
	assert.True(t, b.IsFull())
	b.Drain()
	b.Append(rec("4", 5))
	assert.False(t, b.IsFull(), "drain clears the forced flag")
}

func TestBuffer_PropertyLastWriteWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("each key keeps the last value in first-seen order", prop.ForAll(
		func(keys []int) bool {
			b := NewBuffer(len(keys) + 1)
			last := make(map[string]int)
			var order []string
			for i, k := range keys {
				key := fmt.Sprint(k)
				if _, seen := last[key]; !seen {
					order = append(order, key)
				}
				last[key] = i
				b.Append(rec(key, i))
			}

			rows := b.Drain()
			if len(rows) != len(order) {
				return false
			}
			for i, r := range rows {
				if r.Key != order[i] || r.Get("v") != last[r.Key] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

func TestKeyString(t *testing.T) {
	values := map[string]interface{}{"a": int64(1), "b": "x", "c": nil}
	assert.Equal(t, `[1,"x"]`, keyString(values, []string{"a", "b"}))
	assert.Equal(t, `[1,null]`, keyString(values, []string{"a", "c"}))
	assert.Equal(t, "", keyString(values, []string{"c"}))
	assert.Equal(t, "", keyString(values, nil))
}

func TestKeyString_CompositeKeysStayDistinct(t *testing.T) {
	keys := []string{"a", "b"}
	split := func(a, b interface{}) string {
		return keyString(map[string]interface{}{"a": a, "b": b}, keys)
	}

	assert.NotEqual(t, split("x,y", "z"), split("x", "y,z"))
	assert.NotEqual(t, split("x", nil), split("x", ""))
	assert.NotEqual(t, split(int64(1), "x"), split("1", "x"))
	assert.NotEqual(t, "RID-1", split("RID-1", nil))

	b := NewBuffer(10)
	b.Append(models.NewRecord(split("x,y", "z"), map[string]interface{}{"v": 1}))
	b.Append(models.NewRecord(split("x", "y,z"), map[string]interface{}{"v": 2}))
	b.Append(models.NewRecord(split("x", nil), map[string]interface{}{"v": 3}))
	b.Append(models.NewRecord(split("x", ""), map[string]interface{}{"v": 4}))
	assert.Equal(t, 4, b.Len())
}
