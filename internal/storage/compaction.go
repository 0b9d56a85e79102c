package storage

import (
	"sort"

	"github.com/ticktockdb/ticktock/internal/compression"
)

// Compaction repacks partially filled pages into fewer physical pages
// and truncates the file. The merge budget leaves 12 bytes of slack so
// a merged page can still take a compaction allocation afterwards.
//
// The algorithm:
//  1. partition views into empty, partial, and full sets;
//  2. repeatedly pick a subset of partial views whose sizes sum to at
//     most page_size-12 (best-fit under budget) and chain them into
//     one physical page with MergeAfter, vacated slots joining the
//     empty set;
//  3. move any remaining partial view whose page slot exceeds an empty
//     slot into that slot (smallest empty slot first);
//  4. truncate to the highest used page slot.
//
// Callers gate this behind tsdb.compaction.enabled until it has been
// validated against the full test corpus.
func (pm *PageManager) Compact() (bool, error) {
	headerCount := pm.HeaderCount()

	var partials []*PageView
	var used []*PageView
	var empties []uint32

	for h := uint32(0); h < headerCount; h++ {
		view, err := pm.GetPageView(h)
		if err != nil {
			return false, err
		}
		switch {
		case view.IsEmpty():
			empties = append(empties, view.PageIndex())
		case !view.IsFull():
			partials = append(partials, view)
			used = append(used, view)
		default:
			used = append(used, view)
		}
	}

	sortEmpties(empties)

	// merge partial pages
	for len(partials) > 1 {
		subset, err := pickMergeSubset(partials, pm.pageSize-12)
		if err != nil {
			return false, err
		}
		if len(subset) < 2 {
			break
		}

		dst := partials[subset[0]]
		dst.header().setSize(uint16(dst.compressor.Size()))

		// prefer the lowest empty slot when it beats dst's own slot
		if len(empties) > 0 && empties[0] < dst.PageIndex() {
			vacated := dst.PageIndex()
			dst.CopyTo(empties[0])
			empties = append(empties[1:], vacated)
			sortEmpties(empties)
		}

		for _, i := range subset[1:] {
			src := partials[i]
			vacated := src.PageIndex()
			src.MergeAfter(dst)
			empties = append(empties, vacated)
			sortEmpties(empties)
			dst = src
		}

		// drop merged views from the partial set, highest index first
		for i := len(subset) - 1; i >= 0; i-- {
			partials = append(partials[:subset[i]], partials[subset[i]+1:]...)
		}
	}

	// fill remaining empty slots with the highest-slot partial views
	sort.Slice(partials, func(i, j int) bool {
		return partials[i].PageIndex() < partials[j].PageIndex()
	})
	for len(empties) > 0 && len(partials) > 0 {
		last := partials[len(partials)-1]
		if last.PageIndex() <= empties[0] {
			break
		}
		if err := last.EnsureDataAvailable(nil); err != nil {
			return false, err
		}
		last.CopyTo(empties[0])
		empties = empties[1:]
		partials = partials[:len(partials)-1]
		partials = append([]*PageView{last}, partials...)
	}

	// truncate to the highest used page slot
	maxPage := uint32(firstInfoIndex(int(pm.header().pageCount()), pm.pageSize)) - 1
	for _, view := range used {
		if view.PageIndex() > maxPage {
			maxPage = view.PageIndex()
		}
	}

	pm.mu.Lock()
	hdr := pm.header()
	hdr.setPageIndex(maxPage + 1)
	hdr.setActualPgCnt(maxPage + 1)
	hdr.setCompacted(true)
	pm.compacted = true
	err := pm.mm.resize(int64(maxPage+1) * int64(pm.pageSize))
	pm.mu.Unlock()
	if err != nil {
		return false, err
	}

	pm.Flush(true)
	return true, nil
}

func sortEmpties(empties []uint32) {
	sort.Slice(empties, func(i, j int) bool { return empties[i] < empties[j] })
}

// pickMergeSubset selects indices of partial views whose encoded sizes
// sum to as much of budget as possible without exceeding it, greedily
// from largest to smallest. Indices are returned ascending.
func pickMergeSubset(partials []*PageView, budget int) ([]int, error) {
	type sized struct {
		idx  int
		size int
	}
	views := make([]sized, 0, len(partials))
	for i, view := range partials {
		var dps []compression.DataPoint
		if err := view.EnsureDataAvailable(&dps); err != nil {
			return nil, err
		}
		views = append(views, sized{idx: i, size: view.compressor.Size()})
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].size != views[j].size {
			return views[i].size > views[j].size
		}
		return views[i].idx < views[j].idx
	})

	var subset []int
	remaining := budget
	for _, v := range views {
		if v.size <= remaining {
			subset = append(subset, v.idx)
			remaining -= v.size
		}
	}
	sort.Ints(subset)
	return subset, nil
}
