package dfjournal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

func samplePages() []PageRecord {
	return []PageRecord{
		{Fingerprint: 1, StartTimeS: 100, EndTimeS: 110, UpdateEveryS: 1, SampleCount: 10, Encoding: core.EncodingRaw32, Payload: []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Fingerprint: 2, StartTimeS: 100, EndTimeS: 115, UpdateEveryS: 1, SampleCount: 15, Encoding: core.EncodingGorilla32, Payload: []byte("bbbbbbbbbbbbbbbb")},
	}
}

func TestEncodeDecodeExtentRoundTrip(t *testing.T) {
	for _, algo := range []core.CompressionAlgo{core.CompressionNone, core.CompressionLZ4, core.CompressionZSTD} {
		raw, err := EncodeExtent(samplePages(), algo)
		require.NoError(t, err)

		ext, err := DecodeExtentAt(byteReaderAt(raw), 0)
		require.NoError(t, err)
		require.Len(t, ext.Descriptors, 2)
		require.Equal(t, core.Fingerprint(1), ext.Descriptors[0].Fingerprint)
		require.Equal(t, []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), ext.PagePayload(0))
		require.Equal(t, []byte("bbbbbbbbbbbbbbbb"), ext.PagePayload(1))
	}
}

func TestEncodeDecodeExtentDetectsCorruption(t *testing.T) {
	raw, err := EncodeExtent(samplePages(), core.CompressionNone)
	require.NoError(t, err)
	raw[20] ^= 0xFF

	_, err = DecodeExtentAt(byteReaderAt(raw), 0)
	require.Error(t, err)
}

func TestDatafileCreateAppendSealReopen(t *testing.T) {
	dir := t.TempDir()

	df, err := Create(dir, core.TierID(0), 1, 1, 1000)
	require.NoError(t, err)

	off, err := df.AppendExtent(samplePages(), core.CompressionZSTD)
	require.NoError(t, err)
	require.Greater(t, off, int64(0))

	ext, err := df.ReadExtentAt(off)
	require.NoError(t, err)
	require.Len(t, ext.Descriptors, 2)

	require.NoError(t, df.Seal())
	require.True(t, df.Sealed())
	require.NoError(t, df.Close())

	footer, err := VerifyFooter(df.Path())
	require.NoError(t, err)
	require.EqualValues(t, 1, footer.ExtentCount)
}

func TestJournalV1AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := CreateJournalV1(dir, 1, 1)
	require.NoError(t, err)

	pages := samplePages()
	descs := make([]PageDescriptor, len(pages))
	for i, p := range pages {
		descs[i] = PageDescriptor{
			Fingerprint:  p.Fingerprint,
			StartTimeS:   p.StartTimeS,
			EndTimeS:     p.EndTimeS,
			UpdateEveryS: p.UpdateEveryS,
			SampleCount:  p.SampleCount,
			Encoding:     p.Encoding,
		}
	}
	require.NoError(t, w.AppendRecord(64, descs))
	require.NoError(t, w.Close())

	records, err := ReplayJournalV1(joinPath(dir, JournalV1Name(1, 1)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 64, records[0].DatafileOffset)
	require.Len(t, records[0].Descriptors, 2)
	require.Equal(t, core.Fingerprint(2), records[0].Descriptors[1].Fingerprint)
}

func TestJournalV2BuildAndLookup(t *testing.T) {
	dir := t.TempDir()

	entries := map[core.Fingerprint][]V2Entry{
		1: {
			{ExtentOffset: 64, StartTimeS: 200, EndTimeS: 210, Encoding: core.EncodingRaw32, UpdateEveryS: 1, SampleCount: 10},
			{ExtentOffset: 128, StartTimeS: 100, EndTimeS: 110, Encoding: core.EncodingRaw32, UpdateEveryS: 1, SampleCount: 10},
		},
	}
	path, err := BuildJournalV2(dir, 1, 1, entries)
	require.NoError(t, err)

	j, err := OpenJournalV2(path)
	require.NoError(t, err)
	defer j.Close()

	rows := j.Lookup(1, 0, 1000)
	require.Len(t, rows, 2)
	// must be sorted by start even though the input was not.
	require.Equal(t, int64(100), rows[0].StartTimeS)
	require.Equal(t, int64(200), rows[1].StartTimeS)

	narrow := j.Lookup(1, 150, 1000)
	require.Len(t, narrow, 1)
	require.Equal(t, int64(200), narrow[0].StartTimeS)

	_, ok := entries[99]
	require.False(t, ok)
	require.Nil(t, j.Lookup(99, 0, 1000))
}

func TestLegacyAvroRecordRoundTrip(t *testing.T) {
	rec := JournalV1Record{
		DatafileOffset: 512,
		Descriptors: []PageDescriptor{
			{Fingerprint: 7, StartTimeS: 1, EndTimeS: 2, UpdateEveryS: 1, SampleCount: 2, Encoding: core.EncodingGorilla32},
		},
	}
	buf, err := EncodeLegacyAvroRecord(rec)
	require.NoError(t, err)

	got, err := DecodeLegacyAvroRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec.DatafileOffset, got.DatafileOffset)
	require.Equal(t, rec.Descriptors, got.Descriptors)
}

// byteReaderAt adapts a []byte to io.ReaderAt for tests.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b[off:])
	return n, nil
}

func joinPath(dir, name string) string {
	return dir + "/" + name
}
