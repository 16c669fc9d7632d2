package batch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/sluice/encoding"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/transport"
)

var fileSeq atomic.Uint64

// FileBatch spills its rows into sealed files that are sent as file
// transfers. Aligned and non-aligned tablets are sealed into separate files.
type FileBatch struct {
	base
	dir string

	aligned    []transport.TabletBody
	nonAligned []transport.TabletBody
	sealed     []string
}

func newFileBatch(ep transport.Endpoint, dir string, now func() time.Time) *FileBatch {
	return &FileBatch{base: newBase(ep, now), dir: dir}
}

func (b *FileBatch) add(ev *event.TabletEvent) error {
	if b.sealed != nil {
		return fmt.Errorf("batch for %s is sealed", b.ep)
	}
	b.track(ev)
	b.appendBody(ev)
	return nil
}

func (b *FileBatch) appendBody(ev *event.TabletEvent) {
	if ev.Aligned {
		b.aligned = append(b.aligned, transport.NewTabletBody(ev))
	} else {
		b.nonAligned = append(b.nonAligned, transport.NewTabletBody(ev))
	}
}

// Seal writes the buffered rows to spill files and returns them. Sealing an
// already sealed batch returns the same files.
func (b *FileBatch) Seal() ([]string, error) {
	if b.sealed != nil {
		return append([]string(nil), b.sealed...), nil
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	var files []string
	for _, group := range []struct {
		suffix string
		bodies []transport.TabletBody
	}{
		{"aligned", b.aligned},
		{"plain", b.nonAligned},
	} {
		if len(group.bodies) == 0 {
			continue
		}
		path, err := b.spill(group.suffix, group.bodies)
		if err != nil {
			for _, f := range files {
				os.Remove(f)
			}
			return nil, err
		}
		files = append(files, path)
	}

	b.sealed = files
	return append([]string(nil), files...), nil
}

func (b *FileBatch) spill(suffix string, bodies []transport.TabletBody) (string, error) {
	data, err := encoding.Marshal(transport.BatchBody{Tablets: bodies})
	if err != nil {
		return "", fmt.Errorf("encode spill file: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%s.batch",
		strings.NewReplacer(".", "_", ":", "_").Replace(b.ep.String()), fileSeq.Add(1), suffix)
	path := filepath.Join(b.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create spill file: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write spill file: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("flush spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// ReadSpillFile decodes a sealed spill file
func ReadSpillFile(path string) (*transport.BatchBody, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read spill file %s: %w", path, err)
	}
	var body transport.BatchBody
	if err := encoding.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode spill file %s: %w", path, err)
	}
	return &body, nil
}

// OnSuccess forgets buffered rows and sealed files. Sealed files now belong
// to the transfer that took them.
func (b *FileBatch) OnSuccess() {
	b.reset()
	b.aligned = nil
	b.nonAligned = nil
	b.sealed = nil
}

func (b *FileBatch) discard(match func(event.Event) bool, release func(event.Event)) int {
	dropped := b.dropMatching(match)
	if len(dropped) == 0 {
		return 0
	}
	b.recount()
	b.aligned = nil
	b.nonAligned = nil
	for _, ev := range b.events {
		b.appendBody(ev.(*event.TabletEvent))
	}
	b.removeSealed()
	for _, ev := range dropped {
		release(ev)
	}
	return len(dropped)
}

func (b *FileBatch) removeSealed() {
	for _, f := range b.sealed {
		os.Remove(f)
	}
	b.sealed = nil
}

func (b *FileBatch) close(release func(event.Event)) {
	for _, ev := range b.events {
		release(ev)
	}
	b.removeSealed()
	b.OnSuccess()
}
