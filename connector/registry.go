package connector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/router"
	"github.com/maxpert/sluice/transport"
	"github.com/rs/zerolog/log"
)

// Factory creates the connector for a connector parameter set
type Factory func(id string, params meta.Parameters) (*AsyncConnector, error)

// NewFactory returns a Factory building connectors from the node
// configuration. Connector parameters may override the receiver urls and
// batching.
func NewFactory(c *cfg.Configuration, dialer transport.Dialer, opts Options) Factory {
	return func(id string, params meta.Parameters) (*AsyncConnector, error) {
		cc := c.Connector
		if urls, ok := params.Get(meta.ConnectorNodeURLsKey, meta.SinkNodeURLsKey); ok {
			cc.NodeURLs = nil
			for _, u := range strings.Split(urls, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cc.NodeURLs = append(cc.NodeURLs, u)
				}
			}
		}

		rc, err := router.ConfigFromConnector(c.NodeID, cc)
		if err != nil {
			return nil, err
		}
		clients, err := router.NewClientManager(rc, dialer)
		if err != nil {
			return nil, err
		}
		return NewAsyncConnector(id, ConfigFromConfiguration(c, params), clients, opts), nil
	}
}

// TaskKey identifies a pipe task using a connector
type TaskKey struct {
	Pipe   string
	Region int32
}

// Info describes a live connector
type Info struct {
	ID              string    `json:"id"`
	Tasks           []TaskKey `json:"tasks"`
	RetryQueueSize  int       `json:"retry_queue_size"`
	PendingHandlers int       `json:"pending_handlers"`
}

type registryEntry struct {
	conn  *AsyncConnector
	tasks map[TaskKey]struct{}
}

// Registry shares one connector between the tasks whose connector
// parameters are identical
type Registry struct {
	factory Factory

	mu      sync.Mutex
	entries map[uint64]*registryEntry
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, entries: make(map[uint64]*registryEntry)}
}

// Acquire returns the connector for params and records the task using it
func (r *Registry) Acquire(params meta.Parameters, pipe string, region int32) (*AsyncConnector, error) {
	key := params.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && !e.conn.IsClosed() {
		e.tasks[TaskKey{Pipe: pipe, Region: region}] = struct{}{}
		return e.conn, nil
	}

	conn, err := r.factory(fmt.Sprintf("connector-%016x", key), params)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	if err := conn.Handshake(); err != nil {
		log.Warn().Err(err).Str("connector", conn.ID()).Msg("Initial handshake failed, clients will connect lazily")
	}

	r.entries[key] = &registryEntry{
		conn:  conn,
		tasks: map[TaskKey]struct{}{{Pipe: pipe, Region: region}: {}},
	}
	log.Info().Str("connector", conn.ID()).Str("pipe", pipe).Int32("region", region).Msg("Connector created")
	return conn, nil
}

// Release discards the task's events from its connector and closes the
// connector once no task uses it
func (r *Registry) Release(params meta.Parameters, pipe string, region int32) {
	key := params.Hash()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.tasks, TaskKey{Pipe: pipe, Region: region})
	last := len(e.tasks) == 0
	if last {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	e.conn.DiscardEventsOfPipe(pipe, region)
	if last {
		if err := e.conn.Close(); err != nil {
			log.Warn().Err(err).Str("connector", e.conn.ID()).Msg("Failed to close connector")
		}
	}
}

// Info lists live connectors ordered by id
func (r *Registry) Info() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{
			ID:              e.conn.ID(),
			RetryQueueSize:  e.conn.RetryEventQueueSize(),
			PendingHandlers: e.conn.PendingHandlers(),
		}
		for k := range e.tasks {
			info.Tasks = append(info.Tasks, k)
		}
		sort.Slice(info.Tasks, func(i, j int) bool {
			if info.Tasks[i].Pipe != info.Tasks[j].Pipe {
				return info.Tasks[i].Pipe < info.Tasks[j].Pipe
			}
			return info.Tasks[i].Region < info.Tasks[j].Region
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every connector
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[uint64]*registryEntry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, e.conn.Close())
	}
	return errors.Join(errs...)
}
