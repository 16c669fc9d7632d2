package meta

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Well-known extractor (source) and connector (sink) keys. Each setting can be
// given under either of its two aliases.
const (
	ExtractorModeKey = "extractor.mode"
	SourceModeKey    = "source.mode"

	ExtractorModeSnapshotKey = "extractor.mode.snapshot"
	SourceModeSnapshotKey    = "source.mode.snapshot"

	ExtractorInclusionKey = "extractor.inclusion"
	SourceInclusionKey    = "source.inclusion"
	ExtractorExclusionKey = "extractor.inclusion.exclusion"
	SourceExclusionKey    = "source.inclusion.exclusion"

	ExtractorPatternKey = "extractor.pattern"
	SourcePatternKey    = "source.pattern"

	ConnectorNodeURLsKey    = "connector.node-urls"
	SinkNodeURLsKey         = "sink.node-urls"
	ConnectorBatchEnableKey = "connector.batch.enable"
	SinkBatchEnableKey      = "sink.batch.enable"
	ConnectorBatchFormatKey = "connector.batch.format"
	SinkBatchFormatKey      = "sink.batch.format"

	ModeStream   = "stream"
	ModeQuery    = "query"
	ModeSnapshot = "snapshot"
)

// Parameters are the immutable string options of an extractor or connector
type Parameters map[string]string

// Get returns the value of the first key present
func (p Parameters) Get(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			return v, true
		}
	}
	return "", false
}

// GetOrDefault returns the value of the first key present, or def
func (p Parameters) GetOrDefault(def string, keys ...string) string {
	if v, ok := p.Get(keys...); ok {
		return v
	}
	return def
}

// GetBool parses the first key present as a bool, falling back to def
func (p Parameters) GetBool(def bool, keys ...string) bool {
	v, ok := p.Get(keys...)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Equal reports whether both parameter sets hold the same pairs
func (p Parameters) Equal(other Parameters) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Hash returns an order independent identity of the parameter set
func (p Parameters) Hash() uint64 {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	for _, k := range keys {
		d.WriteString(k)
		d.WriteString("\x00")
		d.WriteString(p[k])
		d.WriteString("\x01")
	}
	return d.Sum64()
}

// IsSnapshotMode reports whether the extractor runs a finite extraction
func (p Parameters) IsSnapshotMode() bool {
	if p.GetBool(false, ExtractorModeSnapshotKey, SourceModeSnapshotKey) {
		return true
	}
	mode := strings.ToLower(p.GetOrDefault(ModeStream, ExtractorModeKey, SourceModeKey))
	return mode == ModeQuery || mode == ModeSnapshot
}
