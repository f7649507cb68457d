package services

import (
	"sort"
	"sync"

	"sfusignal/internal/core/domain"
)

// ProducerDirectory indexes active producers across sessions so a consumer
// can find its source.
type ProducerDirectory struct {
	mu        sync.RWMutex
	seq       uint64
	producers map[domain.ProducerID]*directoryEntry
}

type directoryEntry struct {
	node *producerNode
	seq  uint64
}

func NewProducerDirectory() *ProducerDirectory {
	return &ProducerDirectory{producers: make(map[domain.ProducerID]*directoryEntry)}
}

func (d *ProducerDirectory) Add(p *producerNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.producers[p.id()] = &directoryEntry{node: p, seq: d.seq}
}

func (d *ProducerDirectory) Remove(id domain.ProducerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.producers, id)
}

func (d *ProducerDirectory) Get(id domain.ProducerID) *producerNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.producers[id]; ok {
		return e.node
	}
	return nil
}

// Latest returns the most recently created producer on the given worker.
func (d *ProducerDirectory) Latest(worker domain.WorkerID) *producerNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *directoryEntry
	for _, e := range d.producers {
		if e.node.workerID != worker {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

// List returns every active producer, oldest first.
func (d *ProducerDirectory) List() []domain.ProducerInfo {
	d.mu.RLock()
	entries := make([]*directoryEntry, 0, len(d.producers))
	for _, e := range d.producers {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.ProducerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.node.info())
	}
	return out
}

func (d *ProducerDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.producers)
}
