package journal

import "github.com/ChuLiYu/psotune/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records written to the decision journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventAdmit      EventType = "ADMIT"      // Trial admitted, state created
	EventResult     EventType = "RESULT"     // Result recorded at a perturbation cadence
	EventCheckpoint EventType = "CHECKPOINT" // Checkpoint save requested for an upper-quantile trial
	EventExploit    EventType = "EXPLOIT"    // Lower-quantile trial copies an upper-quantile trial
	EventExplore    EventType = "EXPLORE"    // Velocity/position update applied
	EventSyncRound  EventType = "SYNC_ROUND" // Synchronous global step completed
	EventComplete   EventType = "COMPLETE"   // Trial completed, state released
	EventRemove     EventType = "REMOVE"     // Trial removed, state released
)

// Event represents a journal record
type Event struct {
	Seq       uint64                 `json:"seq"`                // Event sequence number (monotonically increasing)
	Type      EventType              `json:"type"`               // Event type
	TrialID   types.TrialID          `json:"trial_id,omitempty"` // Trial the event refers to (empty for SYNC_ROUND)
	Time      float64                `json:"time"`               // Value of the time attribute when the event happened
	Detail    map[string]interface{} `json:"detail,omitempty"`   // Event specific payload
	Timestamp int64                  `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32                 `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay.
// Returning an error aborts the replay.
type EventHandler func(event Event) error
