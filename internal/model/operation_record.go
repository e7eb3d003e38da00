package model

import "time"

// OperationRecord is the archived form of a terminal operation.
type OperationRecord struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	Request    string       `json:"request"`
	Phase      string       `json:"phase"`
	FailedStep int          `json:"failed_step,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepRecord `json:"steps"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// StepRecord is one archived step.
type StepRecord struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Method string `json:"method"`
	TxHash string `json:"tx_hash,omitempty"`
	Status string `json:"status"`
}
