package common

import "fmt"

// OperationResult summarises one walker run for reporting
type OperationResult struct {
	Name    string
	Found   bool
	Message string
	Count   int // Number of entries the walker produced
	Err     error
}

// NewEmpty creates a result for a directory that is absent or empty
func NewEmpty(name, reason string) *OperationResult {
	return &OperationResult{
		Name:    name,
		Found:   false,
		Message: reason,
	}
}

// NewFound creates a result for a walker that produced entries
func NewFound(name, message string, count int) *OperationResult {
	return &OperationResult{
		Name:    name,
		Found:   true,
		Message: message,
		Count:   count,
	}
}

// NewFailed creates a result for a walker that stopped on an error
func NewFailed(name string, err error) *OperationResult {
	return &OperationResult{
		Name:    name,
		Message: err.Error(),
		Err:     err,
	}
}

// String returns a human-readable representation
func (r *OperationResult) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("%s: FAILED (%s)", r.Name, r.Message)
	case r.Found && r.Count > 0:
		return fmt.Sprintf("%s: FOUND (%s, %d entries)", r.Name, r.Message, r.Count)
	case r.Found:
		return fmt.Sprintf("%s: FOUND (%s)", r.Name, r.Message)
	}
	return fmt.Sprintf("%s: EMPTY (%s)", r.Name, r.Message)
}
