// Package region enumerates the data and schema regions hosted by this node.
package region

import (
	"sort"
	"sync"

	"github.com/maxpert/sluice/cfg"
)

// Lister returns the locally hosted regions
type Lister interface {
	// DataRegions maps data region ids to their database
	DataRegions() map[int32]string
	SchemaRegions() []int32
}

// StaticLister is a Lister whose regions are set by configuration and can be
// changed at runtime as regions migrate
type StaticLister struct {
	mu     sync.RWMutex
	data   map[int32]string
	schema map[int32]struct{}
}

// NewStaticLister creates a lister from the [regions] section
func NewStaticLister(c cfg.RegionsConfiguration) *StaticLister {
	l := &StaticLister{
		data:   make(map[int32]string, len(c.Data)),
		schema: make(map[int32]struct{}, len(c.Schema)),
	}
	for _, r := range c.Data {
		l.data[r.ID] = r.Database
	}
	for _, id := range c.Schema {
		l.schema[id] = struct{}{}
	}
	return l
}

func (l *StaticLister) DataRegions() map[int32]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int32]string, len(l.data))
	for id, db := range l.data {
		out[id] = db
	}
	return out
}

// SchemaRegions returns the schema region ids in ascending order
func (l *StaticLister) SchemaRegions() []int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int32, 0, len(l.schema))
	for id := range l.schema {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *StaticLister) AddDataRegion(id int32, database string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data[id] = database
}

func (l *StaticLister) AddSchemaRegion(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.schema[id] = struct{}{}
}

// RemoveRegion forgets a region that migrated away
func (l *StaticLister) RemoveRegion(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.data, id)
	delete(l.schema, id)
}
