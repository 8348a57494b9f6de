package dfjournal

import (
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// legacyAvroSchema describes a pre-migration journal-v1 record shape.
// Tier directories created before the fixed binary record format (see
// journalv1.go) wrote write-ahead records as Avro, the same choice the
// teacher originally made for its own checkpoint format before
// replacing it with walCheckpoint.go's binary WAL — here the order is
// reversed, Avro is the legacy path kept around for one-time upgrade
// rather than the live format.
const legacyAvroSchema = `
{
  "type": "record",
  "name": "JournalV1Record",
  "fields": [
    {"name": "datafile_offset", "type": "long"},
    {"name": "descriptors", "type": {"type": "array", "items": {
      "type": "record",
      "name": "PageDescriptor",
      "fields": [
        {"name": "fingerprint", "type": "long"},
        {"name": "start_time_s", "type": "long"},
        {"name": "end_time_s", "type": "long"},
        {"name": "update_every_s", "type": "int"},
        {"name": "sample_count", "type": "long"},
        {"name": "encoding", "type": "int"}
      ]
    }}}
  ]
}`

var legacyAvroCodec *goavro.Codec

func legacyCodec() (*goavro.Codec, error) {
	if legacyAvroCodec != nil {
		return legacyAvroCodec, nil
	}
	c, err := goavro.NewCodec(legacyAvroSchema)
	if err != nil {
		return nil, err
	}
	legacyAvroCodec = c
	return c, nil
}

// DecodeLegacyAvroRecord decodes one Avro-framed journal-v1 record
// written by a tier directory from before the binary record format, so
// it can be re-appended through JournalV1Writer.AppendRecord during a
// one-time upgrade pass.
func DecodeLegacyAvroRecord(buf []byte) (JournalV1Record, error) {
	codec, err := legacyCodec()
	if err != nil {
		return JournalV1Record{}, err
	}
	native, _, err := codec.NativeFromBinary(buf)
	if err != nil {
		return JournalV1Record{}, err
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return JournalV1Record{}, fmt.Errorf("dfjournal: unexpected legacy avro record shape")
	}

	rec := JournalV1Record{DatafileOffset: m["datafile_offset"].(int64)}
	items, _ := m["descriptors"].([]interface{})
	for _, d := range items {
		dm, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		rec.Descriptors = append(rec.Descriptors, PageDescriptor{
			Fingerprint:  core.Fingerprint(dm["fingerprint"].(int64)),
			StartTimeS:   dm["start_time_s"].(int64),
			EndTimeS:     dm["end_time_s"].(int64),
			UpdateEveryS: dm["update_every_s"].(int32),
			SampleCount:  uint32(dm["sample_count"].(int64)),
			Encoding:     core.Encoding(dm["encoding"].(int32)),
		})
	}
	return rec, nil
}

// EncodeLegacyAvroRecord is used by migration tooling and tests to
// produce fixtures in the legacy format.
func EncodeLegacyAvroRecord(rec JournalV1Record) ([]byte, error) {
	codec, err := legacyCodec()
	if err != nil {
		return nil, err
	}
	descs := make([]interface{}, len(rec.Descriptors))
	for i, d := range rec.Descriptors {
		descs[i] = map[string]interface{}{
			"fingerprint":    int64(d.Fingerprint),
			"start_time_s":   d.StartTimeS,
			"end_time_s":     d.EndTimeS,
			"update_every_s": int32(d.UpdateEveryS),
			"sample_count":   int64(d.SampleCount),
			"encoding":       int32(d.Encoding),
		}
	}
	native := map[string]interface{}{
		"datafile_offset": rec.DatafileOffset,
		"descriptors":     descs,
	}
	return codec.BinaryFromNative(nil, native)
}
