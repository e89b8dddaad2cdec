package models

import "sync"

// ProgramOutput is one item produced by a running program on the service
// side. Done marks the final item of a run.
type ProgramOutput struct {
	Output          string
	Error           string
	WaitingForInput bool
	Done            bool
	ExitCode        int
}

// ProgramSession is the service-side state of one run.
type ProgramSession struct {
	RunID            uint64
	Language         Language
	Code             string
	WorkDir          string
	InputChan        chan string
	OutputChan       chan ProgramOutput
	Done             chan struct{}
	Cleanup          sync.Once
	DetectedInputOps []InputOperation
}

func NewSession(runID uint64, lang Language, code string) *ProgramSession {
	return &ProgramSession{
		RunID:      runID,
		Language:   lang,
		Code:       code,
		InputChan:  make(chan string),
		OutputChan: make(chan ProgramOutput),
		Done:       make(chan struct{}),
	}
}

// ReadsInput reports whether the source was found to read stdin.
func (s *ProgramSession) ReadsInput() bool {
	return len(s.DetectedInputOps) > 0
}

func (s *ProgramSession) Close() {
	s.Cleanup.Do(func() {
		close(s.Done)
	})
}

func (s *ProgramSession) Closed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}
