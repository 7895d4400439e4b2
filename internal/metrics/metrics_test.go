package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, workload)
	require.NotNil(t, poolInstances)
	require.NotNil(t, verificationsTotal)
}

func TestObservers(t *testing.T) {
	SetWorkload(7)
	require.Equal(t, 7.0, testutil.ToFloat64(workload))

	SetPoolInstances(2)
	require.Equal(t, 2.0, testutil.ToFloat64(poolInstances))

	before := testutil.ToFloat64(poolResizesTotal.WithLabelValues("grow"))
	ObservePoolResize("grow")
	require.Equal(t, before+1, testutil.ToFloat64(poolResizesTotal.WithLabelValues("grow")))

	before = testutil.ToFloat64(verificationsTotal.WithLabelValues("internal", "4xx"))
	ObserveVerification(true, "4xx", 120*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(verificationsTotal.WithLabelValues("internal", "4xx")))

	before = testutil.ToFloat64(stageItemsTotal.WithLabelValues("verify", "discarded"))
	ObserveStageItem("verify", "discarded")
	require.Equal(t, before+1, testutil.ToFloat64(stageItemsTotal.WithLabelValues("verify", "discarded")))

	before = testutil.ToFloat64(reportRecordsWrittenTotal.WithLabelValues("log"))
	ObserveReportRecords("log", 3)
	require.Equal(t, before+3, testutil.ToFloat64(reportRecordsWrittenTotal.WithLabelValues("log")))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
