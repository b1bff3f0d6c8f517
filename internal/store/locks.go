package store

import (
	"hash/fnv"
	"sort"
	"sync"
)

// stripedLocks serializes writers per node-id stripe. Writers touching
// disjoint stripes proceed concurrently; a writer acquires its stripes in
// ascending order so two writers never wait on each other in a cycle.
type stripedLocks struct {
	stripes []sync.Mutex
}

const defaultLockStripes = 64

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) stripe(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// lock acquires the stripes covering ids and returns the release func.
func (l *stripedLocks) lock(ids []string) func() {
	seen := make(map[int]bool, len(ids))
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		s := l.stripe(id)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

// diffLockKeys lists the node ids a diff mutates or links.
func diffLockKeys(d *Diff) []string {
	keys := make([]string, 0, len(d.Nodes)+2*len(d.Edges)+1)
	keys = append(keys, "file:"+d.Repository+":"+d.Path)
	for _, nd := range d.Nodes {
		if nd.Node != nil {
			keys = append(keys, nd.Node.ID)
		}
	}
	for _, ed := range d.Edges {
		if ed.Edge != nil {
			keys = append(keys, ed.Edge.Source, ed.Edge.Target)
		}
	}
	return keys
}
