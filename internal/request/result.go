package request

import "encoding/json"

// FailedFile pairs a path with the error kind that failed it.
type FailedFile struct {
	Path      string `json:"path"`
	ErrorKind string `json:"error_kind"`
}

// OperationResult is returned by the Engine for any executed request.
// json tags exist so the (out-of-core) CLI collaborator can marshal it
// directly, mirroring the pack's json.NewEncoder(os.Stdout) convention
// in paas_backup_cmd.go.
type OperationResult struct {
	ProcessedFiles  []string     `json:"processed_files"`
	FailedFiles     []FailedFile `json:"failed_files"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	BytesProcessed  uint64       `json:"bytes_processed"`
	StrategyUsed    string       `json:"strategy_used"`
	Success         bool         `json:"success"`
}

// SuccessRate is processed / (processed+failed); 1.0 when nothing failed
// and nothing was attempted, matching the natural "no work, no failure"
// reading of spec §3's derived field.
func (r OperationResult) SuccessRate() float64 {
	total := len(r.ProcessedFiles) + len(r.FailedFiles)
	if total == 0 {
		return 1.0
	}
	return float64(len(r.ProcessedFiles)) / float64(total)
}

func (r OperationResult) MarshalIndentJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
