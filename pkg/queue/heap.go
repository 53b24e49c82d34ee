package queue

import "sort"

type entryHeap []*Entry

func less(a, b *Entry) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Seq < b.Seq
}

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e, _ := x.(*Entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return less(&entries[i], &entries[j]) })
}

func sortStrings(s []string) { sort.Strings(s) }
