package metrics

type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) IncBuild(string) {}

func (NoopRecorder) IncStageFailure(string, string) {}

func (NoopRecorder) ObserveStage(string, float64) {}

func (NoopRecorder) IncSubmission(string) {}

func (NoopRecorder) IncReceipt(string) {}

func (NoopRecorder) IncRebuild() {}

// EnsureRecorder returns r, or a no-op recorder when r is nil.
func EnsureRecorder(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
