package jobqueue

import (
	"encoding/json"
	"net/http"
	"time"
)

type view struct {
	status   string
	httpCode int
}

// views is the caller-facing vocabulary for each internal state.
var views = map[State]view{
	StateWaiting:   {"pending", http.StatusAccepted},
	StateActive:    {"processing", http.StatusAccepted},
	StateCompleted: {"completed", http.StatusOK},
	StateFailed:    {"failed", http.StatusInternalServerError},
	StateDelayed:   {"scheduled", http.StatusAccepted},
	StatePaused:    {"paused", http.StatusAccepted},
}

// ViewOf maps a state to its caller-facing status and HTTP code.
func ViewOf(s State) (string, int) {
	v, ok := views[s]
	if !ok {
		return "unknown", http.StatusInternalServerError
	}
	return v.status, v.httpCode
}

type Status struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	State       State           `json:"state"`
	Status      string          `json:"status"`
	HTTPCode    int             `json:"-"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func StatusOf(j *Job) Status {
	label, code := ViewOf(j.State)
	st := Status{
		ID:          j.ID,
		Kind:        j.Kind,
		State:       j.State,
		Status:      label,
		HTTPCode:    code,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.State.Terminal() {
		if j.Result != "" {
			st.Result = json.RawMessage(j.Result)
		}
		st.Error = j.Error
	}
	if j.State == StateDelayed {
		runAt := j.RunAt
		st.RunAt = &runAt
	}
	return st
}
