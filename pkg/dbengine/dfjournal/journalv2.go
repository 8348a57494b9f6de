package dfjournal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Journal v2 is the sealed, sorted, mmapped index described by spec §6:
// "Header: magic, version, datafile id, metric count, extent count,
// index offsets. Body: per-metric block with metric fingerprint and a
// sorted array of (extent_offset, start_time_s, end_time_s,
// page_encoding, update_every_s, sample_count). Footer: CRC32C." Build
// is publish-by-rename: write `<name>.tmp`, fsync, rename to `<name>`.
// The "journal is truth until a sealed index exists, publish by
// rename" shape is grounded on the dolt nbs/journal.go reference
// example's ChunkJournal/journalManifest.
const (
	journalV2Magic   uint32 = 0x4e4a5632 // "NJV2"
	journalV2Version uint16 = 1

	v2HeaderSize = 4 + 2 + 8 + 4 + 4 // magic,version,datafile_id,metric_count,extent_count
	v2EntrySize  = 8 + 8 + 8 + 1 + 4 + 4
)

// V2Entry is one (extent_offset, start, end, ...) row for a metric
// within a sealed datafile's journal-v2 index.
type V2Entry struct {
	ExtentOffset int64
	StartTimeS   int64
	EndTimeS     int64
	Encoding     core.Encoding
	UpdateEveryS int32
	SampleCount  uint32
}

// JournalV2Name returns the canonical file name for (epoch, sequence).
func JournalV2Name(epoch, sequence uint32) string {
	return fmt.Sprintf("journalfile-%d-%d.njfv2", epoch, sequence)
}

func datafileID(epoch, sequence uint32) uint64 {
	return uint64(epoch)<<32 | uint64(sequence)
}

// BuildJournalV2 materialises the sorted journal-v2 index for a sealed
// datafile's open-cache entries (spec §4.3/§4.4 indexer step). entries
// need not be pre-sorted; BuildJournalV2 sorts each metric's rows by
// StartTimeS before writing (spec §3 invariant "sorted by metric then
// by start").
func BuildJournalV2(dir string, epoch, sequence uint32, entries map[core.Fingerprint][]V2Entry) (string, error) {
	fps := make([]core.Fingerprint, 0, len(entries))
	for fp := range entries {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })

	var extentCount uint32
	body := make([]byte, 0, 4096)
	for _, fp := range fps {
		rows := append([]V2Entry(nil), entries[fp]...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].StartTimeS < rows[j].StartTimeS })

		block := make([]byte, 8+4+len(rows)*v2EntrySize)
		binary.LittleEndian.PutUint64(block[0:], uint64(fp))
		binary.LittleEndian.PutUint32(block[8:], uint32(len(rows)))
		off := 12
		for _, r := range rows {
			binary.LittleEndian.PutUint64(block[off:], uint64(r.ExtentOffset))
			binary.LittleEndian.PutUint64(block[off+8:], uint64(r.StartTimeS))
			binary.LittleEndian.PutUint64(block[off+16:], uint64(r.EndTimeS))
			block[off+24] = byte(r.Encoding)
			binary.LittleEndian.PutUint32(block[off+25:], uint32(r.UpdateEveryS))
			binary.LittleEndian.PutUint32(block[off+29:], r.SampleCount)
			off += v2EntrySize
			extentCount++
		}
		body = append(body, block...)
	}

	header := make([]byte, v2HeaderSize)
	binary.LittleEndian.PutUint32(header[0:], journalV2Magic)
	binary.LittleEndian.PutUint16(header[4:], journalV2Version)
	binary.LittleEndian.PutUint64(header[6:], datafileID(epoch, sequence))
	binary.LittleEndian.PutUint32(header[14:], uint32(len(fps)))
	binary.LittleEndian.PutUint32(header[18:], extentCount)

	out := append(header, body...)
	crc := crc32.Checksum(out, crc32cTable)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)

	finalName := filepath.Join(dir, JournalV2Name(epoch, sequence))
	tmpName := finalName + ".tmp"

	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, finalName); err != nil {
		return "", err
	}
	return finalName, nil
}

type metricSpan struct {
	bodyOffset int
	count      int
}

// JournalV2 is an opened, mmapped sealed index. Concurrent readers are
// safe: the underlying bytes never mutate once published (spec §3
// "build is atomic via rename").
type JournalV2 struct {
	path       string
	f          *os.File
	mm         mmap.MMap
	DatafileID uint64
	index      map[core.Fingerprint]metricSpan
}

// OpenJournalV2 mmaps path and parses its header into an in-memory
// fingerprint->span index; entry bytes themselves are decoded lazily
// from the mmap on Lookup, not copied up front.
func OpenJournalV2(path string) (*JournalV2, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	if len(mm) < v2HeaderSize+4 {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("dfjournal: %s too small to be a journal-v2 file", path)
	}
	if binary.LittleEndian.Uint32(mm[0:]) != journalV2Magic {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("dfjournal: %s has bad journal-v2 magic", path)
	}

	body := mm[:len(mm)-4]
	wantCRC := binary.LittleEndian.Uint32(mm[len(mm)-4:])
	if got := crc32.Checksum(body, crc32cTable); got != wantCRC {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("dfjournal: %s failed CRC32C check", path)
	}

	dfID := binary.LittleEndian.Uint64(mm[6:])
	metricCount := binary.LittleEndian.Uint32(mm[14:])

	index := make(map[core.Fingerprint]metricSpan, metricCount)
	pos := v2HeaderSize
	for i := uint32(0); i < metricCount; i++ {
		if pos+12 > len(body) {
			break
		}
		fp := core.Fingerprint(binary.LittleEndian.Uint64(mm[pos:]))
		count := int(binary.LittleEndian.Uint32(mm[pos+8:]))
		entriesStart := pos + 12
		index[fp] = metricSpan{bodyOffset: entriesStart, count: count}
		pos = entriesStart + count*v2EntrySize
	}

	return &JournalV2{path: path, f: f, mm: mm, DatafileID: dfID, index: index}, nil
}

func (j *JournalV2) decodeEntry(span metricSpan, i int) V2Entry {
	off := span.bodyOffset + i*v2EntrySize
	b := j.mm[off:]
	return V2Entry{
		ExtentOffset: int64(binary.LittleEndian.Uint64(b[0:])),
		StartTimeS:   int64(binary.LittleEndian.Uint64(b[8:])),
		EndTimeS:     int64(binary.LittleEndian.Uint64(b[16:])),
		Encoding:     core.Encoding(b[24]),
		UpdateEveryS: int32(binary.LittleEndian.Uint32(b[25:])),
		SampleCount:  binary.LittleEndian.Uint32(b[29:]),
	}
}

// Lookup returns every entry for fp whose [start, end] intersects
// [t0, t1], relying on the per-metric start-order invariant to binary
// search the first candidate.
func (j *JournalV2) Lookup(fp core.Fingerprint, t0, t1 int64) []V2Entry {
	span, ok := j.index[fp]
	if !ok || span.count == 0 {
		return nil
	}

	first := sort.Search(span.count, func(i int) bool {
		return j.decodeEntry(span, i).EndTimeS >= t0
	})

	var out []V2Entry
	for i := first; i < span.count; i++ {
		e := j.decodeEntry(span, i)
		if e.StartTimeS > t1 {
			break
		}
		out = append(out, e)
	}
	return out
}

// Path returns the journal-v2 file path it was opened from, so callers
// doing retention bookkeeping can locate it without recomputing the name.
func (j *JournalV2) Path() string {
	return j.path
}

// Metrics returns every fingerprint indexed by this journal, used when
// a datafile is deleted and its open-cache/MRG retention bookkeeping
// needs the full metric set.
func (j *JournalV2) Metrics() []core.Fingerprint {
	out := make([]core.Fingerprint, 0, len(j.index))
	for fp := range j.index {
		out = append(out, fp)
	}
	return out
}

func (j *JournalV2) Close() error {
	if err := j.mm.Unmap(); err != nil {
		return err
	}
	return j.f.Close()
}
