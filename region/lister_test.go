package region

import (
	"testing"

	"github.com/maxpert/sluice/cfg"
	"github.com/stretchr/testify/assert"
)

func TestStaticLister(t *testing.T) {
	l := NewStaticLister(cfg.RegionsConfiguration{
		Data:   []cfg.RegionConfiguration{{ID: 1, Database: "root.sg1"}, {ID: 2, Database: "root.sg2"}},
		Schema: []int32{9, 3},
	})

	assert.Equal(t, map[int32]string{1: "root.sg1", 2: "root.sg2"}, l.DataRegions())
	assert.Equal(t, []int32{3, 9}, l.SchemaRegions())

	l.AddDataRegion(4, "root.sg4")
	l.AddSchemaRegion(5)
	l.RemoveRegion(1)
	l.RemoveRegion(9)

	assert.Equal(t, map[int32]string{2: "root.sg2", 4: "root.sg4"}, l.DataRegions())
	assert.Equal(t, []int32{3, 5}, l.SchemaRegions())
}

func TestStaticLister_ReturnsCopies(t *testing.T) {
	l := NewStaticLister(cfg.RegionsConfiguration{Data: []cfg.RegionConfiguration{{ID: 1, Database: "root.sg1"}}})
	regions := l.DataRegions()
	regions[7] = "root.sg7"
	assert.Len(t, l.DataRegions(), 1)
}
