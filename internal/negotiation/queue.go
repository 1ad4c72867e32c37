package negotiation

import "github.com/pion/webrtc/v3"

// CandidateQueue holds remote candidates that arrived before a remote
// description. It is owned by the negotiator loop and is not safe for
// concurrent use.
type CandidateQueue struct {
	token uint64
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// Drain returns the queued candidates in arrival order and empties the queue.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int { return len(q.items) }

// Rebind moves pending candidates to a new connection.
func (q *CandidateQueue) Rebind(token uint64) { q.token = token }

func (q *CandidateQueue) Token() uint64 { return q.token }

func (q *CandidateQueue) Clear() {
	q.items = nil
	q.token = 0
}
