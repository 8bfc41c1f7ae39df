package dispatcher

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrQueueFull        = errors.New("task queue full")
	ErrEmptyPayload     = errors.New("task payload is required")
)

// TaskType names the engine operation a task runs.
type TaskType string

const (
	TypeGenerateTimeSlots  TaskType = "generateTimeSlots"
	TypeFindAvailableSlots TaskType = "findAvailableSlots"
	TypeCalculateRecurring TaskType = "calculateRecurring"
	TypeOptimizeSchedule   TaskType = "optimizeSchedule"
	TypeValidateTimeRange  TaskType = "validateTimeRange"
)

// TaskTypes lists every supported task type.
var TaskTypes = []TaskType{
	TypeGenerateTimeSlots,
	TypeFindAvailableSlots,
	TypeCalculateRecurring,
	TypeOptimizeSchedule,
	TypeValidateTimeRange,
}

// Valid reports whether t is a supported task type.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Task is one request to the engine. ID is an opaque correlation token that
// is echoed back untouched.
type Task struct {
	ID      string          `json:"id"`
	Type    TaskType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the outcome of exactly one Task. Result is set when Success is
// true, Error otherwise.
type Reply struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func success(id string, result json.RawMessage) Reply {
	return Reply{ID: id, Success: true, Result: result}
}

// Failure is the reply for a task that could not run or failed.
func Failure(id string, err error) Reply {
	return Reply{ID: id, Success: false, Error: err.Error()}
}

// Decode unmarshals a successful reply's result into v.
func (r Reply) Decode(v any) error {
	if !r.Success {
		return errors.New(r.Error)
	}
	return json.Unmarshal(r.Result, v)
}
