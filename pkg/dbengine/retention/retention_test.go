package retention

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

type fakeSource struct {
	tier    core.TierID
	quota   int64
	active  uint64
	usage   int64
	sealed  []DatafileInfo
	deleted []uint64
}

func (f *fakeSource) Tier() core.TierID         { return f.tier }
func (f *fakeSource) QuotaBytes() int64         { return f.quota }
func (f *fakeSource) ActiveDatafileID() uint64  { return f.active }
func (f *fakeSource) DiskUsageBytes() int64     { return f.usage }
func (f *fakeSource) SealedDatafiles() []DatafileInfo {
	var out []DatafileInfo
	for _, d := range f.sealed {
		found := false
		for _, id := range f.deleted {
			if id == d.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, d)
		}
	}
	return out
}

type fakeDeleter struct {
	fakeSource *fakeSource
}

func (d *fakeDeleter) WaitAndDelete(ctx context.Context, tier core.TierID, df DatafileInfo) error {
	d.fakeSource.deleted = append(d.fakeSource.deleted, df.ID)
	d.fakeSource.usage -= df.SizeBytes
	return nil
}

type fakeAdvancer struct {
	advanced []core.Fingerprint
}

func (a *fakeAdvancer) AdvanceRetentionStart(fp core.Fingerprint, tier core.TierID, newEarliest int64) {
	a.advanced = append(a.advanced, fp)
}

func TestTickDeletesOldestUntilUnderQuota(t *testing.T) {
	src := &fakeSource{
		tier: core.TierID(0), quota: 100, active: 3, usage: 250,
		sealed: []DatafileInfo{
			{ID: 1, Epoch: 1, Sequence: 1, SizeBytes: 80, Metrics: []core.Fingerprint{10, 11}},
			{ID: 2, Epoch: 1, Sequence: 2, SizeBytes: 80, Metrics: []core.Fingerprint{12}},
			{ID: 3, Epoch: 1, Sequence: 3, SizeBytes: 90}, // active, must never be picked
		},
	}
	del := &fakeDeleter{fakeSource: src}
	adv := &fakeAdvancer{}

	res, err := Tick(context.Background(), src, del, adv, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.DeletedDatafiles)
	require.Equal(t, []uint64{1, 2}, del.fakeSource.deleted)
	require.ElementsMatch(t, []core.Fingerprint{10, 11, 12}, adv.advanced)
	require.LessOrEqual(t, src.usage, src.quota)
}

func TestTickNoopUnderQuota(t *testing.T) {
	src := &fakeSource{tier: core.TierID(0), quota: 1000, usage: 100}
	del := &fakeDeleter{fakeSource: src}
	adv := &fakeAdvancer{}

	res, err := Tick(context.Background(), src, del, adv, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.DeletedDatafiles)
}

func TestTickStopsWhenNoRotatableDatafileLeft(t *testing.T) {
	src := &fakeSource{
		tier: core.TierID(0), quota: 10, active: 1, usage: 500,
		sealed: []DatafileInfo{{ID: 1, Epoch: 1, Sequence: 1, SizeBytes: 500}},
	}
	del := &fakeDeleter{fakeSource: src}
	adv := &fakeAdvancer{}

	res, err := Tick(context.Background(), src, del, adv, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.DeletedDatafiles)
}

type countingArchiver struct{ calls int }

func (a *countingArchiver) Archive(ctx context.Context, tier core.TierID, d DatafileInfo) error {
	a.calls++
	return nil
}

func TestTickArchivesBeforeDeletingWhenArchiverSet(t *testing.T) {
	src := &fakeSource{
		tier: core.TierID(0), quota: 10, active: 2, usage: 100,
		sealed: []DatafileInfo{{ID: 1, Epoch: 1, Sequence: 1, SizeBytes: 100}},
	}
	del := &fakeDeleter{fakeSource: src}
	adv := &fakeAdvancer{}
	arc := &countingArchiver{}

	res, err := Tick(context.Background(), src, del, adv, arc)
	require.NoError(t, err)
	require.Equal(t, 1, res.Archived)
	require.Equal(t, 1, arc.calls)
	require.Equal(t, 1, res.DeletedDatafiles)
}

func TestSortedByAgeOrdersByEpochThenSequence(t *testing.T) {
	in := []DatafileInfo{
		{ID: 3, Epoch: 2, Sequence: 1},
		{ID: 1, Epoch: 1, Sequence: 5},
		{ID: 2, Epoch: 1, Sequence: 2},
	}
	out := sortedByAge(in)
	require.Equal(t, []uint64{1, 2, 3}, []uint64{out[0].ID, out[1].ID, out[2].ID})
}
