package writer

import (
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

// OpenCacheSource is the read side of OpenCacheSink: the indexer reads
// every entry belonging to a just-sealed datafile, then the caller
// drops them via ReleaseDatafile.
type OpenCacheSource interface {
	EntriesForDatafile(datafileID uint64) map[core.Fingerprint][]pgc.ExtentDescriptor
	ReleaseDatafile(datafileID uint64, fingerprints []core.Fingerprint)
}

// Indexer materialises journal-v2 for a sealed datafile and releases
// the open-cache memory that journal-v2 supersedes (spec §4.4 "The
// indexer runs when a datafile is sealed. It materialises the sorted
// journal-v2, then releases open-cache memory for that datafile.").
type Indexer struct {
	openCache OpenCacheSource
}

func NewIndexer(openCache OpenCacheSource) *Indexer {
	return &Indexer{openCache: openCache}
}

// Seal builds dir/journalfile-<epoch>-<sequence>.njfv2 from the
// datafile's open-cache entries and returns the opened journal-v2
// index. Open-cache memory for the datafile is released only after the
// journal-v2 file has been fsynced and renamed into place, preserving
// the visibility ordering from spec §5: "sealed datafile publishes
// journal-v2 before open-cache eviction".
func (idx *Indexer) Seal(dir string, epoch, sequence uint32, datafileID uint64) (*dfjournal.JournalV2, error) {
	openEntries := idx.openCache.EntriesForDatafile(datafileID)
	if len(openEntries) == 0 {
		return nil, fmt.Errorf("writer: no open-cache entries for datafile %d, nothing to index", datafileID)
	}

	v2Entries := make(map[core.Fingerprint][]dfjournal.V2Entry, len(openEntries))
	fps := make([]core.Fingerprint, 0, len(openEntries))
	for fp, descs := range openEntries {
		fps = append(fps, fp)
		rows := make([]dfjournal.V2Entry, len(descs))
		for i, d := range descs {
			rows[i] = dfjournal.V2Entry{
				ExtentOffset: d.Offset,
				StartTimeS:   d.Start,
				EndTimeS:     d.End,
				Encoding:     d.Encoding,
				UpdateEveryS: d.UpdateEveryS,
				SampleCount:  d.SampleCount,
			}
		}
		v2Entries[fp] = rows
	}

	path, err := dfjournal.BuildJournalV2(dir, epoch, sequence, v2Entries)
	if err != nil {
		return nil, fmt.Errorf("writer: build journal-v2 for datafile %d: %w", datafileID, err)
	}

	j, err := dfjournal.OpenJournalV2(path)
	if err != nil {
		return nil, fmt.Errorf("writer: open freshly built journal-v2 %s: %w", path, err)
	}

	idx.openCache.ReleaseDatafile(datafileID, fps)
	cclog.ComponentInfo("writer", "sealed datafile indexed", "datafile", datafileID, "metrics", len(fps))
	return j, nil
}
