package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultMergeAndStateLift(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	resp := ts.do(t, http.MethodPost, "/v1/result/"+id, "", map[string]any{
		"provision_status": 0,
	})
	require.Equal(t, http.StatusOK, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/"+id, "", map[string]any{
		"test_status": 1,
		"job_state":   "complete",
	})
	require.Equal(t, http.StatusOK, drain(resp))

	resp = ts.do(t, http.MethodGet, "/v1/result/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]any
	readJSON(t, resp, &result)
	// Merge is by top-level key; job_state is lifted out of the document and
	// reported from the job record.
	assert.Equal(t, float64(0), result["provision_status"])
	assert.Equal(t, float64(1), result["test_status"])
	assert.Equal(t, "complete", result["job_state"])

	resp = ts.do(t, http.MethodPost, "/v1/result/"+id, "", map[string]any{"job_state": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/00000000-0000-0000-0000-00000000dead", "", map[string]any{"x": 1})
	assert.Equal(t, http.StatusNotFound, drain(resp))

	resp = ts.do(t, http.MethodGet, "/v1/result/00000000-0000-0000-0000-00000000dead", "", nil)
	assert.Equal(t, http.StatusNoContent, drain(resp))
}

func TestResultTooLarge(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	huge := fmt.Sprintf(`{"blob": %q}`, bytes.Repeat([]byte("x"), 16<<20))
	resp := ts.do(t, http.MethodPost, "/v1/result/"+id, "", []byte(huge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, drain(resp))
}

func TestArtifactRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	resp := ts.do(t, http.MethodGet, "/v1/result/"+id+"/artifact", "", nil)
	assert.Equal(t, http.StatusNoContent, drain(resp))

	archive := []byte("artifact tarball")
	up := ts.uploadFile(t, "/v1/result/"+id+"/artifact", archive)
	require.Equal(t, http.StatusOK, drain(up))

	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/artifact", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, archive, got)

	up = ts.uploadFile(t, "/v1/result/00000000-0000-0000-0000-00000000dead/artifact", archive)
	assert.Equal(t, http.StatusNotFound, drain(up))
}

func TestLogFragmentAssembly(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	// Fragments arrive out of order; retries repeat a number.
	for _, frag := range []map[string]any{
		{"phase": "test", "fragment_number": 1, "log_data": "world"},
		{"phase": "test", "fragment_number": 0, "log_data": "hello "},
		{"phase": "test", "fragment_number": 1, "log_data": "WORLD"}, // retry, ignored
		{"phase": "provision", "fragment_number": 0, "log_data": "imaging"},
	} {
		resp := ts.do(t, http.MethodPost, "/v1/result/"+id+"/log/output", "", frag)
		require.Equal(t, http.StatusOK, drain(resp))
	}

	resp := ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/output", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]map[string]struct {
		LastFragmentNumber int    `json:"last_fragment_number"`
		LogData            string `json:"log_data"`
	}
	readJSON(t, resp, &out)
	require.Contains(t, out, "output")
	assert.Equal(t, "hello world", out["output"]["test"].LogData)
	assert.Equal(t, 1, out["output"]["test"].LastFragmentNumber)
	assert.Equal(t, "imaging", out["output"]["provision"].LogData)

	// Filters.
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/output?phase=provision", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readJSON(t, resp, &out)
	assert.NotContains(t, out["output"], "test")
	assert.Contains(t, out["output"], "provision")

	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/output?start_fragment=1&phase=test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readJSON(t, resp, &out)
	assert.Equal(t, "world", out["output"]["test"].LogData)

	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/output?start_fragment=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/output?start_timestamp=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/tty", "", nil)
	assert.Equal(t, http.StatusBadRequest, drain(resp))

	// The result document synthesizes the legacy per-phase fields.
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]any
	readJSON(t, resp, &result)
	assert.Equal(t, "hello world", result["test_output"])
	assert.Equal(t, "imaging", result["provision_output"])
	assert.Nil(t, result["test_serial"])
}

func TestLogFragmentTimestampFilter(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	early := time.Now().UTC().Add(-time.Hour)
	late := time.Now().UTC()
	for i, when := range []time.Time{early, late} {
		frag := map[string]any{
			"phase":           "test",
			"fragment_number": i,
			"timestamp":       when.Format(time.RFC3339Nano),
			"log_data":        fmt.Sprintf("chunk%d", i),
		}
		resp := ts.do(t, http.MethodPost, "/v1/result/"+id+"/log/serial", "", frag)
		require.Equal(t, http.StatusOK, drain(resp))
	}

	cutoff := early.Add(30 * time.Minute).Format(time.RFC3339)
	resp := ts.do(t, http.MethodGet, "/v1/result/"+id+"/log/serial?start_timestamp="+cutoff, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]map[string]struct {
		LastFragmentNumber int    `json:"last_fragment_number"`
		LogData            string `json:"log_data"`
	}
	readJSON(t, resp, &out)
	assert.Equal(t, "chunk1", out["serial"]["test"].LogData)
}

func TestLogFragmentValidation(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	resp := ts.do(t, http.MethodPost, "/v1/result/"+id+"/log/output", "",
		map[string]any{"fragment_number": 0, "log_data": "x"})
	assert.Equal(t, http.StatusBadRequest, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/"+id+"/log/output", "",
		map[string]any{"phase": "test", "fragment_number": -1, "log_data": "x"})
	assert.Equal(t, http.StatusBadRequest, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/00000000-0000-0000-0000-00000000dead/log/output", "",
		map[string]any{"phase": "test", "fragment_number": 0, "log_data": "x"})
	assert.Equal(t, http.StatusNotFound, drain(resp))
}

func TestLegacyOutputEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "", map[string]any{"job_queue": "q1"})

	resp := ts.do(t, http.MethodPost, "/v1/result/"+id+"/output", "", "first ")
	require.Equal(t, http.StatusOK, drain(resp))
	resp = ts.do(t, http.MethodPost, "/v1/result/"+id+"/output", "", "second")
	require.Equal(t, http.StatusOK, drain(resp))

	// The drain returns everything new since the previous read, then advances.
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/output", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "first second", readText(t, resp))

	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/output", "", nil)
	assert.Equal(t, http.StatusNoContent, drain(resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/"+id+"/output", "", "third")
	require.Equal(t, http.StatusOK, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/output", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "third", readText(t, resp))

	// Serial has its own stream and cursor.
	resp = ts.do(t, http.MethodPost, "/v1/result/"+id+"/serial_output", "", "tty bytes")
	require.Equal(t, http.StatusOK, drain(resp))
	resp = ts.do(t, http.MethodGet, "/v1/result/"+id+"/serial_output", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tty bytes", readText(t, resp))

	resp = ts.do(t, http.MethodPost, "/v1/result/00000000-0000-0000-0000-00000000dead/output", "", "x")
	assert.Equal(t, http.StatusNotFound, drain(resp))
}
