package meta

import "sort"

// Keeper is the local table of pipe metas. It is not synchronized; the agent
// guards it with its task table lock.
type Keeper struct {
	metas map[string]*PipeMeta
}

func NewKeeper() *Keeper {
	return &Keeper{metas: make(map[string]*PipeMeta)}
}

func (k *Keeper) Add(pm *PipeMeta) {
	k.metas[pm.Static.PipeName] = pm
}

func (k *Keeper) Get(name string) *PipeMeta {
	return k.metas[name]
}

func (k *Keeper) Contains(name string) bool {
	_, ok := k.metas[name]
	return ok
}

func (k *Keeper) Remove(name string) {
	delete(k.metas, name)
}

func (k *Keeper) Count() int {
	return len(k.metas)
}

// List returns the metas ordered by pipe name
func (k *Keeper) List() []*PipeMeta {
	out := make([]*PipeMeta, 0, len(k.metas))
	for _, pm := range k.metas {
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Static.PipeName < out[j].Static.PipeName })
	return out
}
