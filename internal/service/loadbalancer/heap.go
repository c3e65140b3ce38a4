package loadbalancer

import "github.com/fairyhunter13/compute-marketplace/internal/domain"

// queueItem wraps a queued job with its heap index so entries can be removed
// by job id when an accept lands before the next assignment pass.
type queueItem struct {
	job   domain.QueuedJob
	index int
}

// jobHeap orders queued jobs highest priority first, FIFO within a priority
// level. It implements container/heap.
type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].job.Before(h[j].job) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
