package models

// Trigger is the body the API posts to the worker endpoint and the value of a
// Kafka trigger message.
type Trigger struct {
	TaskID  string `json:"taskId"`
	Family  Family `json:"family,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}
