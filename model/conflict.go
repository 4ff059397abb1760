package model

import "time"

// Resolution describes how a contested segment was settled.
type Resolution string

const (
	// ResolutionPreempted means the requester outranked the holder.
	ResolutionPreempted Resolution = "preempted"
	// ResolutionFCFS means equal priority; the existing holder kept the segment.
	ResolutionFCFS Resolution = "fcfs"
	// ResolutionRejected means the requester had lower priority.
	ResolutionRejected Resolution = "rejected"
)

// LoserOutcome records what happened to the mission that lost a conflict.
type LoserOutcome string

const (
	OutcomeRerouted LoserOutcome = "rerouted"
	OutcomeAborted  LoserOutcome = "aborted"
	// OutcomeStranded means the loser belongs to another organization and
	// could be neither rerouted nor aborted from here.
	OutcomeStranded LoserOutcome = "stranded"
	OutcomePending  LoserOutcome = "pending"
)

// ConflictRecord is an audit entry for one contested segment.
type ConflictRecord struct {
	ID        string `json:"id"`
	SegmentID string `json:"segmentId"`

	WinnerMissionID string `json:"winnerMissionId"`
	WinnerPriority  int    `json:"winnerPriority"`
	LoserMissionID  string `json:"loserMissionId"`
	LoserPriority   int    `json:"loserPriority"`

	Resolution   Resolution   `json:"resolution"`
	LoserOutcome LoserOutcome `json:"loserOutcome"`
	NewPath      []string     `json:"newPath,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
