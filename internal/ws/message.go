package ws

import (
	"time"

	"objrec/internal/pipeline"
)

// DetectionMessage represents the detections of one rendered tick
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	SessionID   string            `json:"session_id"`
	Seq         uint64            `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
	ElapsedMS   float64           `json:"elapsed_ms"`
	Objects     []ObjectDetection `json:"objects"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Label  string `json:"label"`
	BBox   []int  `json:"bbox"`             // [x, y, w, h] in pixels
	Parent *int   `json:"parent,omitempty"` // index of the enclosing object
}

// StateMessage announces a loop state transition
type StateMessage struct {
	Type      string    `json:"type"` // "state"
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDetectionMessage converts a tick result. Nested objects reference
// their parent by index into Objects.
func NewDetectionMessage(tr *pipeline.TickResult) *DetectionMessage {
	msg := &DetectionMessage{
		Type:        "detection",
		SessionID:   tr.SessionID,
		Seq:         tr.Seq,
		Timestamp:   tr.Timestamp,
		FrameWidth:  tr.Width,
		FrameHeight: tr.Height,
		ElapsedMS:   float64(tr.Elapsed.Microseconds()) / 1000,
		Objects:     make([]ObjectDetection, 0, tr.Results.Len()),
	}
	if tr.Results == nil {
		return msg
	}

	index := make(map[*pipeline.Detection]int, tr.Results.Len())
	for i, d := range tr.Results.Detections {
		index[d] = i
		obj := ObjectDetection{
			Label: d.Label,
			BBox:  []int{d.Box.X1, d.Box.Y1, d.Box.Width(), d.Box.Height()},
		}
		if d.Parent != nil {
			if p, ok := index[d.Parent]; ok {
				obj.Parent = &p
			}
		}
		msg.Objects = append(msg.Objects, obj)
	}
	return msg
}

// NewStateMessage creates a state transition message
func NewStateMessage(sessionID string, state pipeline.State, ts time.Time) *StateMessage {
	return &StateMessage{
		Type:      "state",
		SessionID: sessionID,
		State:     state.String(),
		Timestamp: ts,
	}
}
