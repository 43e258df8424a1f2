package common

import "fmt"

// OperationResult is the outcome of one recovery step on one file.
type OperationResult struct {
	Applied bool
	Message string
	Count   int // methods recovered, rows skipped, files written
}

// NewSkipped creates a result for rows or steps that were left alone
func NewSkipped(reason string, count int) *OperationResult {
	return &OperationResult{
		Applied: false,
		Message: reason,
		Count:   count,
	}
}

// NewApplied creates a result for steps that produced output
func NewApplied(message string, count int) *OperationResult {
	return &OperationResult{
		Applied: true,
		Message: message,
		Count:   count,
	}
}

// String returns a human-readable representation
func (r *OperationResult) String() string {
	state := "SKIPPED"
	if r.Applied {
		state = "APPLIED"
	}
	if r.Count > 0 {
		return fmt.Sprintf("%s (%s, %d items)", state, r.Message, r.Count)
	}
	return fmt.Sprintf("%s (%s)", state, r.Message)
}

// Detail turns the result into a report line. Skipped work is flagged.
func (r *OperationResult) Detail() OperationDetail {
	return OperationDetail{
		Message: r.String(),
		Count:   r.Count,
		IsRisky: !r.Applied,
	}
}

// Details converts a list of results in order.
func Details(results []*OperationResult) []OperationDetail {
	details := make([]OperationDetail, 0, len(results))
	for _, r := range results {
		details = append(details, r.Detail())
	}
	return details
}
