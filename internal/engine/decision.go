package engine

import (
	"encoding/json"
	"log"
)

// SchedulingDecision is a one-line structured log record emitted at every
// point the engine admits, dispatches, retries, or drops a task, grounded
// on the teacher's SchedulingDecision/logDecision idiom.
type SchedulingDecision struct {
	Component string `json:"component"`
	Decision  string `json:"decision"`
	TaskID    string `json:"task_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

func logDecision(d SchedulingDecision) {
	b, _ := json.Marshal(d)
	log.Println(string(b))
}
