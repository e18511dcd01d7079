package apkpack

// ProgressEvent reports a stage transition for one archive.
type ProgressEvent struct {
	// Stage is the stage that just started.
	Stage ProgressStage

	// Key is the source key, empty for Process.
	Key string

	// Bytes is the size of the archive entering the stage, when known.
	Bytes int64
}

// ProgressStage identifies a pipeline stage.
type ProgressStage uint8

// Pipeline stages in the order they run.
const (
	// StageFetching indicates the source archive is being fetched.
	StageFetching ProgressStage = iota

	// StageRepacking indicates entries are being recompressed per policy.
	StageRepacking

	// StageAligning indicates stored entries are being aligned.
	StageAligning

	// StageVerifying indicates the output is being checked against the source.
	StageVerifying

	// StageSigning indicates the signing tool is running.
	StageSigning

	// StageStoring indicates the result is being written to the sink.
	StageStoring

	// StageDone indicates the archive completed every stage.
	StageDone
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageFetching:
		return "fetching"
	case StageRepacking:
		return "repacking"
	case StageAligning:
		return "aligning"
	case StageVerifying:
		return "verifying"
	case StageSigning:
		return "signing"
	case StageStoring:
		return "storing"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// ProgressFunc receives stage transitions.
// Implementations must be safe for concurrent calls when used with Batch.
type ProgressFunc func(ProgressEvent)
