package x402

import (
	"encoding/json"
	"net/http"
	"time"
)

type errorBody struct {
	Success   bool        `json:"success"`
	Error     errorDetail `json:"error"`
	Timestamp string      `json:"timestamp"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Hint    string                 `json:"hint,omitempty"`
}

// WriteError writes e as the structured JSON error body.
func WriteError(w http.ResponseWriter, e *Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{
		Success: false,
		Error: errorDetail{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
			Hint:    e.Hint,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// challengeDetails renders pr as error details so clients without header
// access can still read the challenge from the body.
func challengeDetails(pr *PaymentRequired) map[string]interface{} {
	raw, err := json.Marshal(pr)
	if err != nil {
		return nil
	}
	var details map[string]interface{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil
	}
	return details
}
