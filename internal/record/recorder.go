package record

import (
	"sort"
	"sync"
)

// Recorder buffers tick frames during a live run. The owning executor drives
// every append from its serialized loop; the mutex only guards snapshots taken
// by monitoring and finalisation.
type Recorder struct {
	mu       sync.Mutex
	meta     Metadata
	frames   map[int64]*TickFrame
	nextSeq  uint64
	disabled bool
}

// NewRecorder starts an empty recorder for the supplied metadata.
func NewRecorder(meta Metadata) *Recorder {
	return &Recorder{meta: meta, frames: make(map[int64]*TickFrame)}
}

// Disabled returns a recorder that drops every append, used by re-evaluation
// runs which must not re-record themselves.
func Disabled() *Recorder {
	return &Recorder{disabled: true, frames: make(map[int64]*TickFrame)}
}

// NextSequence hands out the monotone intra-run sequence number shared by all
// recorded inputs and emissions.
func (r *Recorder) NextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	return seq
}

// Metadata returns the recording metadata.
func (r *Recorder) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// SetInitialStateHash stamps the pre-tick hash into the metadata.
func (r *Recorder) SetInitialStateHash(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta.InitialStateHash = hash
}

func (r *Recorder) frameFor(tickID int64) *TickFrame {
	if f, ok := r.frames[tickID]; ok {
		return f
	}
	f := &TickFrame{TickID: tickID}
	r.frames[tickID] = f
	return f
}

// RecordAction appends one handled action to its tick frame.
func (r *Recorder) RecordAction(tickID int64, rec ActionRecord) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frameFor(tickID)
	f.Actions = append(f.Actions, rec)
}

// RecordClientEvent appends one client event to its tick frame.
func (r *Recorder) RecordClientEvent(tickID int64, rec ClientEventRecord) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frameFor(tickID)
	f.ClientEvents = append(f.ClientEvents, rec)
}

// RecordLifecycle appends one join or leave to its tick frame.
func (r *Recorder) RecordLifecycle(tickID int64, rec LifecycleRecord) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frameFor(tickID)
	f.Lifecycle = append(f.Lifecycle, rec)
}

// RecordServerEvent appends one server emission to its tick frame.
func (r *Recorder) RecordServerEvent(tickID int64, rec ServerEventRecord) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frameFor(tickID)
	f.ServerEvents = append(f.ServerEvents, rec)
}

// SetStateHash stamps the post-tick canonical hash onto the frame.
func (r *Recorder) SetStateHash(tickID int64, hash string) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameFor(tickID).StateHash = hash
}

// FrameCount reports how many tick frames hold data.
func (r *Recorder) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// FrameSnapshot returns a copy of one tick frame, used by the streaming
// exporter after a tick commits.
func (r *Recorder) FrameSnapshot(tickID int64) (TickFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.frames[tickID]
	if !ok {
		return TickFrame{}, false
	}
	return *f, true
}

// Finish assembles the persisted artefact, frames sorted by tick id.
func (r *Recorder) Finish() Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]TickFrame, 0, len(r.frames))
	for _, f := range r.frames {
		frames = append(frames, *f)
	}
	//1.- Tick order is the total replay order; sort before persisting.
	sort.Slice(frames, func(i, j int) bool { return frames[i].TickID < frames[j].TickID })
	return Recording{Metadata: r.meta, Frames: frames}
}
