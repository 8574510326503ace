package domain

import "time"

// BroadcastKind identifies the payload family of a broadcast run.
type BroadcastKind string

const (
	BroadcastText  BroadcastKind = "text"
	BroadcastMedia BroadcastKind = "media"
)

// BroadcastResult is the outcome of one recipient in a broadcast run.
type BroadcastResult struct {
	To        string `json:"to"`
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BroadcastRun summarizes a completed broadcast. Results keep input order.
type BroadcastRun struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Kind       BroadcastKind     `json:"kind"`
	Total      int               `json:"total"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Results    []BroadcastResult `json:"results,omitempty"`
}

// Tally fills Total, Succeeded and Failed from Results.
func (r *BroadcastRun) Tally() {
	r.Total = len(r.Results)
	r.Succeeded, r.Failed = 0, 0
	for _, res := range r.Results {
		if res.OK {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}
