package event

// Tablet holds raw rows of a single device
type Tablet struct {
	Device       string          `msgpack:"device"`
	Measurements []string        `msgpack:"measurements"`
	Timestamps   []int64         `msgpack:"timestamps"`
	Values       [][]interface{} `msgpack:"values"` // Values[row][measurement]
	Aligned      bool            `msgpack:"aligned"`
}

// RowCount returns the number of rows in the tablet
func (t *Tablet) RowCount() int {
	return len(t.Timestamps)
}

// TabletEvent is a tablet insertion. It carries either raw rows or an already
// serialized insert node.
type TabletEvent struct {
	Base
	Device  string
	Tablet  *Tablet
	Binary  []byte
	Aligned bool

	binaryRows int
}

// NewTabletEvent creates a raw tablet event held once by creator
func NewTabletEvent(meta Meta, creator string, tablet *Tablet) *TabletEvent {
	ev := &TabletEvent{Device: tablet.Device, Tablet: tablet, Aligned: tablet.Aligned}
	ev.init(meta, creator, ev)
	return ev
}

// NewBinaryTabletEvent creates a serialized insert-node event held once by creator
func NewBinaryTabletEvent(meta Meta, creator, device string, body []byte, rows int) *TabletEvent {
	ev := &TabletEvent{Device: device, Binary: body}
	ev.binaryRows = rows
	ev.init(meta, creator, ev)
	return ev
}

// RowCount returns how many rows the event contributes to a batch
func (e *TabletEvent) RowCount() int {
	if e.Tablet != nil {
		return e.Tablet.RowCount()
	}
	if e.binaryRows > 0 {
		return e.binaryRows
	}
	return 1
}

// EstimatedSize approximates the wire size of the event
func (e *TabletEvent) EstimatedSize() int64 {
	if e.Tablet == nil {
		return int64(len(e.Binary))
	}
	size := int64(len(e.Tablet.Device))
	for _, m := range e.Tablet.Measurements {
		size += int64(len(m))
	}
	size += int64(len(e.Tablet.Timestamps)) * 8
	size += int64(len(e.Tablet.Timestamps)*len(e.Tablet.Measurements)) * 8
	return size
}

func (e *TabletEvent) String() string { return e.describe("TabletEvent") }

// FileEvent is a sealed data file insertion, optionally with its modification log
type FileEvent struct {
	Base
	Path    string
	ModPath string
}

// NewFileEvent creates a file event held once by creator
func NewFileEvent(meta Meta, creator, path, modPath string) *FileEvent {
	ev := &FileEvent{Path: path, ModPath: modPath}
	ev.init(meta, creator, ev)
	return ev
}

// HasMod reports whether a modification log travels with the file
func (e *FileEvent) HasMod() bool {
	return e.ModPath != ""
}

func (e *FileEvent) String() string { return e.describe("FileEvent") }

// HeartbeatEvent flows through a pipe to flush buffered state and probe liveness
type HeartbeatEvent struct {
	Base
}

// NewHeartbeatEvent creates a heartbeat event held once by creator
func NewHeartbeatEvent(meta Meta, creator string) *HeartbeatEvent {
	ev := &HeartbeatEvent{}
	ev.init(meta, creator, ev)
	return ev
}

func (e *HeartbeatEvent) String() string { return e.describe("HeartbeatEvent") }

// SchemaEvent carries a serialized schema plan captured from a schema region
type SchemaEvent struct {
	Base
	PlanType string
	Plan     []byte
}

// NewSchemaEvent creates a schema event held once by creator
func NewSchemaEvent(meta Meta, creator, planType string, plan []byte) *SchemaEvent {
	ev := &SchemaEvent{PlanType: planType, Plan: plan}
	ev.init(meta, creator, ev)
	return ev
}

func (e *SchemaEvent) String() string { return e.describe("SchemaEvent") }

// TerminateEvent marks the end of a finite (query or snapshot) extraction
type TerminateEvent struct {
	Base
}

// NewTerminateEvent creates a terminate marker held once by creator
func NewTerminateEvent(meta Meta, creator string) *TerminateEvent {
	ev := &TerminateEvent{}
	ev.init(meta, creator, ev)
	return ev
}

func (e *TerminateEvent) String() string { return e.describe("TerminateEvent") }
