// Package resource accounts for the node resources pipes keep alive: pinned
// memtables, linked files, WAL usage and in-flight memory.
package resource

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/sluice/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// FileResourceRAMBytes is the memory kept per linked file for its resource descriptor
const FileResourceRAMBytes = 256 << 10

// Config holds the static resource limits
type Config struct {
	DataDir                   string
	MemoryBudgetBytes         int64
	WALThrottleThresholdBytes int64
	CompactionEnabled         bool
	// TotalDiskBytes overrides the probed disk size when > 0
	TotalDiskBytes int64
}

type linkedFile struct {
	size    int64
	links   int
	deleted bool
}

// Manager is the in-process resource ledger shared by the data path and the agent.
// The storage engine embedding sluice drives the mutators (PinMemTable,
// LinkFile, MarkFileDeleted, SetWALDiskUsage); the agent only reads.
type Manager struct {
	cfg Config
	fs  vfs.FS

	pinnedMemTables atomic.Int64
	walDiskUsage    atomic.Int64

	filesMu            sync.Mutex
	files              map[string]*linkedFile
	linkedDeletedBytes int64
	linkedDeletedCount int64

	floating *xsync.MapOf[string, *atomic.Int64]
}

// NewManager creates a resource manager over the default filesystem
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		fs:       vfs.Default,
		files:    make(map[string]*linkedFile),
		floating: xsync.NewMapOf[string, *atomic.Int64](),
	}
}

// PinMemTable is called by the extractor when an event keeps a memtable alive
func (m *Manager) PinMemTable() {
	m.pinnedMemTables.Add(1)
}

func (m *Manager) UnpinMemTable() {
	if m.pinnedMemTables.Add(-1) < 0 {
		m.pinnedMemTables.Store(0)
		log.Warn().Msg("Memtable unpinned more often than pinned")
	}
}

func (m *Manager) PinnedMemTableCount() int {
	return int(m.pinnedMemTables.Load())
}

// LinkFile records one more pipe link on a data file
func (m *Manager) LinkFile(path string, size int64) {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()

	f, ok := m.files[path]
	if !ok {
		f = &linkedFile{size: size}
		m.files[path] = f
	}
	f.links++
}

// UnlinkFile drops one link; the file is forgotten once no link is left
func (m *Manager) UnlinkFile(path string) {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return
	}
	f.links--
	if f.links > 0 {
		return
	}
	if f.deleted {
		m.linkedDeletedBytes -= f.size
		m.linkedDeletedCount--
	}
	delete(m.files, path)
}

// MarkFileDeleted records that the storage engine deleted a file pipes still link
func (m *Manager) MarkFileDeleted(path string) {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()

	f, ok := m.files[path]
	if !ok || f.deleted {
		return
	}
	f.deleted = true
	m.linkedDeletedBytes += f.size
	m.linkedDeletedCount++
}

// LinkedDeletedFileBytes is the disk held only by pipe links
func (m *Manager) LinkedDeletedFileBytes() int64 {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	return m.linkedDeletedBytes
}

// LinkedDeletedResourceRAMBytes is the memory held by descriptors of linked-but-deleted files
func (m *Manager) LinkedDeletedResourceRAMBytes() int64 {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	return m.linkedDeletedCount * FileResourceRAMBytes
}

// SetWALDiskUsage is reported by the storage engine after WAL rolls
func (m *Manager) SetWALDiskUsage(bytes int64) {
	m.walDiskUsage.Store(bytes)
}

func (m *Manager) WALDiskUsage() int64 {
	return m.walDiskUsage.Load()
}

func (m *Manager) WALThrottleThreshold() int64 {
	return m.cfg.WALThrottleThresholdBytes
}

func (m *Manager) CompactionEnabled() bool {
	return m.cfg.CompactionEnabled
}

// TotalDiskBytes returns the size of the filesystem holding the data dir
func (m *Manager) TotalDiskBytes() int64 {
	if m.cfg.TotalDiskBytes > 0 {
		return m.cfg.TotalDiskBytes
	}
	usage, err := m.fs.GetDiskUsage(m.cfg.DataDir)
	if err != nil {
		log.Debug().Err(err).Str("dir", m.cfg.DataDir).Msg("Unable to probe disk usage")
		return 0
	}
	return int64(usage.TotalBytes)
}

// AllocateFloating accounts in-flight memory to a pipe
func (m *Manager) AllocateFloating(pipe string, bytes int64) {
	counter, _ := m.floating.LoadOrCompute(pipe, func() *atomic.Int64 { return new(atomic.Int64) })
	counter.Add(bytes)
}

// FreeFloating releases in-flight memory of a pipe
func (m *Manager) FreeFloating(pipe string, bytes int64) {
	counter, ok := m.floating.Load(pipe)
	if !ok {
		return
	}
	if counter.Add(-bytes) < 0 {
		counter.Store(0)
	}
}

// FloatingMemory returns the in-flight memory of a pipe
func (m *Manager) FloatingMemory(pipe string) int64 {
	if counter, ok := m.floating.Load(pipe); ok {
		return counter.Load()
	}
	return 0
}

// ForgetPipe removes the floating memory account of a dropped pipe
func (m *Manager) ForgetPipe(pipe string) {
	m.floating.Delete(pipe)
}

// FreeMemoryBytes is the budget not used by floating memory
func (m *Manager) FreeMemoryBytes() int64 {
	var used int64
	m.floating.Range(func(_ string, v *atomic.Int64) bool {
		used += v.Load()
		return true
	})
	if free := m.cfg.MemoryBudgetBytes - used; free > 0 {
		return free
	}
	return 0
}

// Stats returns a snapshot for the metrics collector
func (m *Manager) Stats() telemetry.ResourceStats {
	floating := make(map[string]int64)
	m.floating.Range(func(pipe string, v *atomic.Int64) bool {
		floating[pipe] = v.Load()
		return true
	})

	return telemetry.ResourceStats{
		PinnedMemTables:        m.PinnedMemTableCount(),
		LinkedDeletedFileBytes: m.LinkedDeletedFileBytes(),
		WALDiskUsageBytes:      m.WALDiskUsage(),
		FreeMemoryBytes:        m.FreeMemoryBytes(),
		FloatingMemoryBytes:    floating,
	}
}
