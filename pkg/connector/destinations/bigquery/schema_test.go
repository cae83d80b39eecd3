package bigquery

import (
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

func TestBigQuerySchema_RoundTrip(t *testing.T) {
	columns := stagedBatch().Columns
	bq := toBigQuerySchema(columns)

	require.Len(t, bq, len(columns))
	assert.Equal(t, bigquery.NumericFieldType, bq[1].Type)
	assert.Equal(t, int64(38), bq[1].Precision)
	assert.Equal(t, int64(9), bq[1].Scale)
	assert.Equal(t, bigquery.JSONFieldType, bq[6].Type)
	assert.True(t, bq[7].Repeated)
	assert.Equal(t, bigquery.RecordFieldType, bq[7].Type)
	require.Len(t, bq[7].Schema, 2)
	for _, f := range bq {
		assert.False(t, f.Required, f.Name)
	}

	back := fromBigQuerySchema(bq)
	require.Len(t, back, len(columns))
	for i := range columns {
		assert.True(t, columns[i].Type.Equal(back[i].Type), "%s: %s != %s", columns[i].Name, columns[i].Type, back[i].Type)
	}
}

func TestFromBigQuerySchema_ForeignTypesReadAsString(t *testing.T) {
	cols := fromBigQuerySchema(bigquery.Schema{
		{Name: "d", Type: bigquery.DateFieldType},
		{Name: "b", Type: bigquery.BytesFieldType},
		{Name: "n", Type: bigquery.NumericFieldType},
	})
	assert.Equal(t, schema.KindString, cols[0].Type.Kind)
	assert.Equal(t, schema.KindString, cols[1].Type.Kind)
	assert.Equal(t, schema.Scalar(schema.KindNumeric), cols[2].Type)
}

func TestMissingFields(t *testing.T) {
	have := bigquery.Schema{{Name: "id"}, {Name: "name"}}
	want := bigquery.Schema{{Name: "name"}, {Name: "email"}, {Name: "email"}}
	missing := missingFields(have, want)
	require.Len(t, missing, 1)
	assert.Equal(t, "email", missing[0].Name)
}

func TestClustering(t *testing.T) {
	columns := []schema.ColumnDefinition{
		{Name: "a", Type: schema.Scalar(schema.KindString)},
		{Name: "b", Type: schema.Scalar(schema.KindFloat)},
		{Name: "c", Type: schema.Scalar(schema.KindInteger)},
		{Name: "d", Type: schema.Scalar(schema.KindTimestamp)},
		{Name: "e", Type: schema.Scalar(schema.KindBoolean)},
		{Name: "f", Type: schema.Scalar(schema.KindNumeric)},
	}
	c := clustering(columns, []string{"a", "b", "c", "d", "e", "f"})
	require.NotNil(t, c)
	assert.Equal(t, []string{"a", "c", "d", "e"}, c.Fields)

	assert.Nil(t, clustering(columns, []string{"b"}))
	assert.Nil(t, clustering(columns, nil))
}

func TestStagingRef(t *testing.T) {
	b := &core.Batch{ID: "0f1e", Table: core.TableRef{Project: "p", Dataset: "analytics", Table: "users"}}
	assert.Equal(t, core.TableRef{Project: "p", Dataset: "analytics", Table: "users_temp_0f1e"}, StagingRef(b))

	b.StagingDataset = "scratch"
	assert.Equal(t, "p.scratch.users_temp_0f1e", StagingRef(b).String())
}

func TestErrorCodes(t *testing.T) {
	notFound := &googleapi.Error{Code: http.StatusNotFound}
	assert.True(t, isNotFound(notFound))
	assert.True(t, isNotFound(errors.Join(errors.New("wrapped"), notFound)))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(nil))
	assert.True(t, isConflict(&googleapi.Error{Code: http.StatusConflict}))
}
