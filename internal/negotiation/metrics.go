package negotiation

// Metrics receives negotiation counters.
type Metrics interface {
	OfferSent(restart bool)
	AnswerSent()
	CandidateBuffered()
	CandidateApplied()
	CandidateFailed()
	RestartRequested(role string)
	ConnectionLost()
	StateChanged(state string)
}

type noopMetrics struct{}

func (noopMetrics) OfferSent(bool)          {}
func (noopMetrics) AnswerSent()             {}
func (noopMetrics) CandidateBuffered()      {}
func (noopMetrics) CandidateApplied()       {}
func (noopMetrics) CandidateFailed()        {}
func (noopMetrics) RestartRequested(string) {}
func (noopMetrics) ConnectionLost()         {}
func (noopMetrics) StateChanged(string)     {}
