package receiver

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Tracks which positions of a pass over the event stream are done. seq is the end of the contiguous done
// prefix; positions past it which are done wait in sparse until the gap before them closes.
type watermark struct {
	seq    uint64
	sparse map[uint64]bool
	ids    map[uint64]string
}

func newWatermark() *watermark {
	return &watermark{sparse: make(map[uint64]bool), ids: make(map[uint64]string)}
}

// Marks position n, carrying event id, done. Returns the id at the end of the done prefix when it moved.
func (w *watermark) add(n uint64, id string) (string, bool) {
	if n <= w.seq || w.sparse[n] {
		return "", false
	}
	w.sparse[n] = true
	w.ids[n] = id
	prev := w.seq
	w.compact()
	if w.seq == prev {
		return "", false
	}
	last := w.ids[w.seq]
	for i := prev + 1; i <= w.seq; i++ {
		delete(w.ids, i)
	}
	return last, true
}

func (w *watermark) compact() {
	for w.sparse[w.seq+1] {
		w.seq++
		delete(w.sparse, w.seq)
	}
}

// Done positions still waiting behind a gap, in order.
func (w *watermark) waiting() []uint64 {
	keys := maps.Keys(w.sparse)
	slices.Sort(keys)
	return keys
}
