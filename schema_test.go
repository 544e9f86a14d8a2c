package pmcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiateVersion(t *testing.T) {
	testCases := []struct {
		name      string
		preferred string
		want      string
		ok        bool
	}{
		{name: "latest", preferred: "2025-06-18", want: "2025-06-18", ok: true},
		{name: "older supported", preferred: "2024-11-05", want: "2024-11-05", ok: true},
		{name: "oldest supported", preferred: "2024-10-07", want: "2024-10-07", ok: true},
		{name: "between supported falls back", preferred: "2025-01-01", want: "2024-11-05", ok: true},
		{name: "future version refused", preferred: "3000-01-01", ok: false},
		{name: "before all supported", preferred: "2023-01-01", ok: false},
		{name: "garbage", preferred: "not-a-version", ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := negotiateVersion(tc.preferred)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestSupportedVersionsData(t *testing.T) {
	data := supportedVersionsData()
	vs, ok := data["supported"].([]string)
	require.True(t, ok)
	require.Equal(t, SupportedProtocolVersions, vs)
}

func TestLogLevelSeverityOrdering(t *testing.T) {
	ordered := []LogLevel{
		LogLevelDebug, LogLevelInfo, LogLevelNotice, LogLevelWarning,
		LogLevelError, LogLevelCritical, LogLevelAlert, LogLevelEmergency,
	}
	for i := 1; i < len(ordered); i++ {
		require.Greater(t, ordered[i].Severity(), ordered[i-1].Severity())
	}
}
