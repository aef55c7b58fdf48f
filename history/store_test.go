package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	var (
		id   = uuid.MustParse("5f0c8a52-8a8e-4c33-9d59-2b0f3c1d7e10")
		t0   = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
		recs []Record
	)
	for n := 0; n < 4; n++ {
		recs = append(recs, Record{
			RunID:        id,
			Iteration:    n,
			Objective:    0.31 / float64(n+1),
			GradientNorm: float64(4-n) / 1000,
			StepSize:     0.01,
			Accepted:     n != 2,
			Timestamp:    t0.Add(time.Duration(n) * time.Hour),
		})
	}
	return recs
}

func TestStores(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"history.csv", "history.db"} {
		path := filepath.Join(dir, name)
		s, err := Open(path)
		require.NoError(t, err, name)
		recs := sampleRecords()
		for _, r := range recs[:2] {
			require.NoError(t, s.Append(r))
		}
		require.NoError(t, s.Close())

		// Reopening appends after the existing rows
		s, err = Open(path)
		require.NoError(t, err)
		for _, r := range recs[2:] {
			require.NoError(t, s.Append(r))
		}
		got, err := s.Records()
		require.NoError(t, err)
		if diff := cmp.Diff(recs, got); diff != "" {
			t.Errorf("%s records mismatch (-want +got):\n%s", name, diff)
		}
		assert.Len(t, Accepted(got), 3)
		require.NoError(t, s.Close())
	}
	_, err := Open(filepath.Join(dir, "history.json"))
	assert.Error(t, err)
}

func TestCSVLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	s, err := OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(sampleRecords()[1]))
	require.NoError(t, s.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "run_id,iteration,objective,gradient_norm,step_size,accepted,timestamp", lines[0])
	assert.Equal(t, "5f0c8a52-8a8e-4c33-9d59-2b0f3c1d7e10,1,0.155,0.003,0.01,true,2024-03-01T13:00:00.123456789Z", lines[1])

	_, err = ReadCSV(strings.NewReader("a,b,c,d,e,f,g\n"))
	assert.Error(t, err)
	recs, err := ReadCSV(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, recs)
}
