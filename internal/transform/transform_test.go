package transform_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/openhealthdata/provider-etl/internal/catalog"
	"github.com/openhealthdata/provider-etl/internal/extractor"
	"github.com/openhealthdata/provider-etl/internal/testutils"
	"github.com/openhealthdata/provider-etl/internal/transform"
)

func newPayload(dataset, table, body string) *extractor.Payload {
	return &extractor.Payload{
		Descriptor: catalog.Descriptor{
			ID:          dataset,
			URL:         "https://example.com/" + dataset + ".csv",
			ContentType: "text/csv",
			Table:       table,
		},
		Seq:         1,
		Body:        []byte(body),
		RetrievedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Attempts:    1,
	}
}

func TestTransform(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		body string

		wantColumns []string
		wantRecords []transform.Record
		wantSkipped int

		wantParseErr bool
	}{
		"Typed values": {
			body: "id,score,name\n1,2.5,alpha\n2,-3,beta\n",

			wantColumns: []string{"id", "score", "name"},
			wantRecords: []transform.Record{
				{"id": int64(1), "score": 2.5, "name": "alpha"},
				{"id": int64(2), "score": int64(-3), "name": "beta"},
			},
		},
		"Leading zeros and empty cells stay text": {
			body: "zip,note\n02139,\n007,x\n",

			wantColumns: []string{"zip", "note"},
			wantRecords: []transform.Record{
				{"zip": "02139", "note": ""},
				{"zip": "007", "note": "x"},
			},
		},
		"Column names are snake_cased and stripped": {
			body: "Hospital Name,Rating (Overall),ZIP Code\na,b,c\n",

			wantColumns: []string{"hospital_name", "rating_overall", "zip_code"},
			wantRecords: []transform.Record{
				{"hospital_name": "a", "rating_overall": "b", "zip_code": "c"},
			},
		},
		"Duplicate and empty headers are renamed": {
			body: "name,name,???\nx,y,z\n",

			wantColumns: []string{"name", "name_2", "column_3"},
			wantRecords: []transform.Record{
				{"name": "x", "name_2": "y", "column_3": "z"},
			},
		},
		"Malformed rows are skipped and counted": {
			body: "a,b\n1,2\nonly-one-field\n3,4,5\n6,7\n",

			wantColumns: []string{"a", "b"},
			wantRecords: []transform.Record{
				{"a": int64(1), "b": int64(2)},
				{"a": int64(6), "b": int64(7)},
			},
			wantSkipped: 2,
		},
		"All rows skipped yields an empty batch": {
			body: "a,b\nx\ny\n",

			wantColumns: []string{"a", "b"},
			wantSkipped: 2,
		},
		"Header only yields an empty batch": {
			body: "a,b\n",

			wantColumns: []string{"a", "b"},
		},

		// Error cases
		"Empty payload fails": {
			body: "",

			wantParseErr: true,
		},
		"Binary payload fails": {
			body: "PK\x03\x04\xff\xfe\x00binary",

			wantParseErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			payload := newPayload("hospitals", "hospitals", tc.body)
			batch, err := transform.Transform(payload)

			if tc.wantParseErr {
				require.Error(t, err, "Transform should have failed")
				var parseErr *transform.ParseError
				require.ErrorAs(t, err, &parseErr, "Error should be a ParseError")
				assert.Nil(t, batch, "No batch should be produced on container failure")
				return
			}
			require.NoError(t, err, "Transform should not have failed")

			assert.Equal(t, "hospitals", batch.Dataset, "Batch should carry the dataset id")
			assert.Equal(t, int64(1), batch.Seq, "Batch should carry the payload sequence number")
			assert.Equal(t, tc.wantColumns, batch.Columns, "Unexpected normalized columns")
			assert.Equal(t, tc.wantRecords, batch.Records, "Unexpected records")
			assert.Len(t, batch.Skipped, tc.wantSkipped, "Unexpected skipped row count")
		})
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	t.Parallel()

	body, err := os.ReadFile("testdata/hospitals.csv")
	require.NoError(t, err, "Setup: could not read fixture")

	first, err := transform.Transform(newPayload("hospitals", "hospitals", string(body)))
	require.NoError(t, err, "Transform should not have failed")

	for range 5 {
		again, err := transform.Transform(newPayload("hospitals", "hospitals", string(body)))
		require.NoError(t, err, "Transform should not have failed")
		assert.Equal(t, first, again, "Repeated transforms of the same payload should be identical")
	}
}

func TestTransformGolden(t *testing.T) {
	t.Parallel()

	body, err := os.ReadFile("testdata/hospitals.csv")
	require.NoError(t, err, "Setup: could not read fixture")

	batch, err := transform.Transform(newPayload("hospitals", "hospitals", string(body)))
	require.NoError(t, err, "Transform should not have failed")

	got, err := yaml.Marshal(batch.Records)
	require.NoError(t, err, "Could not marshal records")
	want := testutils.LoadWithUpdateFromGolden(t, string(got))

	// Compare the decoded documents rather than the raw strings so the
	// comparison is insensitive to quoting style.
	var wantDoc, gotDoc any
	require.NoError(t, yaml.Unmarshal([]byte(want), &wantDoc), "Golden file is not valid YAML")
	require.NoError(t, yaml.Unmarshal(got, &gotDoc), "Marshaled records are not valid YAML")
	assert.Equal(t, wantDoc, gotDoc, "Unexpected normalized records")
}
