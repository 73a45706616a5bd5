package flash

// Phase is one step of the flash sequence, in execution order.
type Phase int

const (
	PhasePartition Phase = iota
	PhaseFormat
	PhaseCopyRoot
	PhaseCopyBoot
	PhaseCopyEfi
	PhaseUefiConfig
	PhaseFstab
	PhaseCleanup
)

var phaseNames = map[Phase]string{
	PhasePartition:  "Partition disk",
	PhaseFormat:     "Format partitions",
	PhaseCopyRoot:   "Copy root filesystem",
	PhaseCopyBoot:   "Copy boot filesystem",
	PhaseCopyEfi:    "Copy EFI and stage firmware",
	PhaseUefiConfig: "Configure UEFI boot",
	PhaseFstab:      "Generate fstab",
	PhaseCleanup:    "Sync and clean up",
}

// Name returns the human-readable phase label.
func (p Phase) Name() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Unknown phase"
}

// Number returns the 1-based position of the phase.
func (p Phase) Number() int {
	return int(p) + 1
}

// TotalPhases is the number of phases in one flash run.
const TotalPhases = int(PhaseCleanup) + 1

// AllPhases returns every phase in execution order.
func AllPhases() []Phase {
	phases := make([]Phase, TotalPhases)
	for i := range phases {
		phases[i] = Phase(i)
	}
	return phases
}

// UpdateKind tags a progress update.
type UpdateKind int

const (
	UpdatePhaseStarted UpdateKind = iota
	UpdatePhaseCompleted
	UpdatePhaseSkipped
	UpdateStatus
	UpdateCopyProgress
	UpdateComplete
	UpdateError
)

// Update is one progress event crossing from the flash worker to the
// consumer. Only the fields relevant to Kind are populated.
type Update struct {
	Kind  UpdateKind
	Phase Phase

	// Status carries free text for UpdateStatus and the error message
	// for UpdateError.
	Status string

	// Percent, SpeedMBps, FilesDone and FilesTotal accompany
	// UpdateCopyProgress.
	Percent    float64
	SpeedMBps  float64
	FilesDone  uint64
	FilesTotal uint64
}

// Sink receives progress updates. Implementations must not block; the
// worker drops updates a slow sink cannot take.
type Sink interface {
	Send(Update)
}

// ChannelSink forwards updates into a channel without ever blocking the
// sender. A full channel drops the update.
type ChannelSink struct {
	C chan Update
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Update, buffer)}
}

// Send implements Sink.
func (s *ChannelSink) Send(u Update) {
	select {
	case s.C <- u:
	default:
	}
}
