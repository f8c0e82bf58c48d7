// Package memprof snapshots this kernel's two memory pools -- the buffer
// store and the physical frame allocator's zones -- into a pprof profile,
// so the same tooling used to inspect a hosted Go program's heap can be
// pointed at a running kernel image's memory instead. There are no call
// stacks to walk here; each buffer and each frame zone becomes its own
// single-frame sample, labeled with the bookkeeping that would otherwise
// need a bespoke dump format.
package memprof

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/google/pprof/profile"
)

// BufferSample describes one live entry of the buffer store at the moment
// of the snapshot.
type BufferSample struct {
	BID            int
	Bytes          int64
	ImpliedSetSize int64
}

// FramePoolSample describes one physical memory zone's usage at the moment
// of the snapshot.
type FramePoolSample struct {
	Zone      string
	UsedBytes int64
	FreeBytes int64
}

// Snapshot builds a pprof profile with one sample per buffer and one per
// frame pool zone. The profile's single sample type, inuse_space, carries
// each entity's resident byte count; everything else worth knowing about an
// entity travels as a label instead of a second value, since pprof's UI
// already knows how to filter and group by label.
func Snapshot(buffers []BufferSample, pools []FramePoolSample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "inuse_space", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	var nextID uint64 = 1
	addSample := func(name string, bytesUsed int64, labels map[string][]string) {
		fn := &profile.Function{ID: nextID, Name: name, SystemName: name}
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn, Line: 0}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{bytesUsed},
			Label:    labels,
		})
		nextID++
	}

	for _, b := range buffers {
		addSample(fmt.Sprintf("buffer#%d", b.BID), b.Bytes, map[string][]string{
			"kind":             {"buffer"},
			"implied_set_size": {strconv.FormatInt(b.ImpliedSetSize, 10)},
		})
	}
	for _, fp := range pools {
		addSample("pool:"+fp.Zone, fp.UsedBytes, map[string][]string{
			"kind":       {"pool"},
			"zone":       {fp.Zone},
			"free_bytes": {strconv.FormatInt(fp.FreeBytes, 10)},
		})
	}

	return p
}

// Encode snapshots and serializes straight to gzip-compressed pprof bytes,
// the format pprof's own tooling reads directly.
func Encode(buffers []BufferSample, pools []FramePoolSample) ([]byte, error) {
	var buf bytes.Buffer
	if err := Snapshot(buffers, pools).Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
