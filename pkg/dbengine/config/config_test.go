package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256 MiB": 256 * mebi,
		"1GiB":    1 * gibi,
		"4096":    4096,
		"64KiB":   64 * kibi,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	_, err := ParseByteSize("not-a-size")
	require.Error(t, err)
}

func TestLoadAppliesDefaultsAndQuota(t *testing.T) {
	raw := json.RawMessage(`{
		"tiers": [
			{"id": 0, "page_type": "raw32", "update_every_s": 1, "disk_quota_bytes": "1MiB", "directory": "/tmp/t0"}
		],
		"compression_algo": "zstd"
	}`)
	cfg, err := Load(raw)
	require.NoError(t, err)
	require.Len(t, cfg.Tiers, 1)
	require.EqualValues(t, 1*mebi, cfg.Tiers[0].DiskQuotaBytes)
	require.EqualValues(t, 1, cfg.Tiers[0].Multiplier)
	require.Equal(t, 3, cfg.ExtentWriteRetry.MaxRetries)
	require.Equal(t, "delete", cfg.Retention.Mode)
}
