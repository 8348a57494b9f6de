package dfjournal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Journal v1 is the write-ahead record stream described by spec §6:
// "one record per extent written, mirroring the extent header's page
// descriptors plus the extent's absolute offset in the datafile. Used
// only to rebuild the open cache after a crash." The record framing
// ([magic][len][payload][crc]) and truncated-trailing-record tolerance
// on replay are grounded on the teacher's walCheckpoint.go WAL record
// format, which uses the same shape for the same reason (continuous,
// per-write crash safety).
const (
	journalV1FileMagic   uint32 = 0x4e4a4631 // "NJF1"
	journalV1RecordMagic uint32 = 0x4e4a5631 // "NJV1"
)

// JournalV1Record is one replayed write-ahead record.
type JournalV1Record struct {
	DatafileOffset int64
	Descriptors    []PageDescriptor
}

// JournalV1Name returns the canonical file name for (epoch, sequence).
func JournalV1Name(epoch, sequence uint32) string {
	return fmt.Sprintf("journalfile-%d-%d.njf", epoch, sequence)
}

// JournalV1Writer appends write-ahead records for one active datafile.
type JournalV1Writer struct {
	f *os.File
}

// CreateJournalV1 opens (creating if absent) the write-ahead journal
// for dir/epoch/sequence, writing the file header if the file is new.
func CreateJournalV1(dir string, epoch, sequence uint32) (*JournalV1Writer, error) {
	path := filepath.Join(dir, JournalV1Name(epoch, sequence))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], journalV1FileMagic)
		if _, err := f.Write(hdr[:]); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &JournalV1Writer{f: f}, nil
}

// AppendRecord writes one write-ahead record for an extent just
// appended at datafileOffset, covering descriptors. The write is
// fsynced immediately: journal-v1 is the sole crash-recovery source for
// open-cache state until the datafile is sealed and indexed.
func (w *JournalV1Writer) AppendRecord(datafileOffset int64, descriptors []PageDescriptor) error {
	payloadLen := 8 + 2 + len(descriptors)*descriptorSize
	payload := make([]byte, payloadLen)
	binary.LittleEndian.PutUint64(payload[0:], uint64(datafileOffset))
	binary.LittleEndian.PutUint16(payload[8:], uint16(len(descriptors)))
	off := 10
	for _, d := range descriptors {
		binary.LittleEndian.PutUint64(payload[off:], uint64(d.Fingerprint))
		binary.LittleEndian.PutUint64(payload[off+8:], uint64(d.StartTimeS))
		binary.LittleEndian.PutUint64(payload[off+16:], uint64(d.EndTimeS))
		binary.LittleEndian.PutUint32(payload[off+24:], uint32(d.UpdateEveryS))
		binary.LittleEndian.PutUint32(payload[off+28:], d.SampleCount)
		payload[off+32] = byte(d.Encoding)
		binary.LittleEndian.PutUint32(payload[off+33:], d.PayloadOffsetInExtent)
		binary.LittleEndian.PutUint32(payload[off+37:], d.PayloadUncompressedSize)
		off += descriptorSize
	}

	record := make([]byte, 0, 8+len(payload)+4)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], journalV1RecordMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	record = append(record, hdr[:]...)
	record = append(record, payload...)

	crc := crc32.ChecksumIEEE(record)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	record = append(record, crcBuf[:]...)

	if _, err := w.f.Write(record); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *JournalV1Writer) Close() error { return w.f.Close() }

// ReplayJournalV1 reads every complete record from path, tolerating a
// truncated trailing record (the last write before a crash may be
// partial) by stopping there rather than erroring, mirroring the
// teacher's WAL replay tolerance for "duplicate timestamps"-safe
// overwrite semantics.
func ReplayJournalV1(path string) ([]JournalV1Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fileHdr [4]byte
	if _, err := io.ReadFull(f, fileHdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	if binary.LittleEndian.Uint32(fileHdr[:]) != journalV1FileMagic {
		return nil, fmt.Errorf("dfjournal: %s has bad journal-v1 file magic", path)
	}

	var records []JournalV1Record
	for {
		var recHdr [8]byte
		if _, err := io.ReadFull(f, recHdr[:]); err != nil {
			break // EOF or short read: stop, tolerate truncated tail
		}
		magic := binary.LittleEndian.Uint32(recHdr[0:])
		if magic != journalV1RecordMagic {
			cclog.ComponentError("dfjournal", "journal-v1 record magic mismatch, stopping replay", "path", path)
			break
		}
		payloadLen := binary.LittleEndian.Uint32(recHdr[4:])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}
		want := binary.LittleEndian.Uint32(crcBuf[:])
		got := crc32.ChecksumIEEE(append(append([]byte{}, recHdr[:]...), payload...))
		if got != want {
			cclog.ComponentError("dfjournal", "journal-v1 record CRC mismatch, stopping replay", "path", path)
			break
		}

		if len(payload) < 10 {
			break
		}
		datafileOffset := int64(binary.LittleEndian.Uint64(payload[0:]))
		count := binary.LittleEndian.Uint16(payload[8:])
		descriptors := make([]PageDescriptor, count)
		off := 10
		ok := true
		for i := range descriptors {
			if off+descriptorSize > len(payload) {
				ok = false
				break
			}
			b := payload[off:]
			descriptors[i] = PageDescriptor{
				Fingerprint:             core.Fingerprint(binary.LittleEndian.Uint64(b[0:])),
				StartTimeS:              int64(binary.LittleEndian.Uint64(b[8:])),
				EndTimeS:                int64(binary.LittleEndian.Uint64(b[16:])),
				UpdateEveryS:            int32(binary.LittleEndian.Uint32(b[24:])),
				SampleCount:             binary.LittleEndian.Uint32(b[28:]),
				Encoding:                core.Encoding(b[32]),
				PayloadOffsetInExtent:   binary.LittleEndian.Uint32(b[33:]),
				PayloadUncompressedSize: binary.LittleEndian.Uint32(b[37:]),
			}
			off += descriptorSize
		}
		if !ok {
			break
		}
		records = append(records, JournalV1Record{DatafileOffset: datafileOffset, Descriptors: descriptors})
	}

	return records, nil
}
