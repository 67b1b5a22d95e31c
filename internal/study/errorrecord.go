package study

import (
	"encoding/json"
	"os"
	"time"
)

// buildErrorRecord assembles the document persisted next to a
// quarantined study folder.
func buildErrorRecord(tenant, studyFolder string, result Result) ErrorRecord {
	reason := result.Reason
	if reason == "" {
		reason = "study import failed"
	}
	errs := result.Errors
	if errs == nil {
		errs = []InstanceError{}
	}
	return ErrorRecord{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		StudyFolder: studyFolder,
		ClinicID:    tenant,
		Reason:      reason,
		Errors:      errs,
	}
}

// writeErrorRecord writes record as "{dest}.error.json", a sibling of
// the quarantined study folder named dest.
func writeErrorRecord(dest string, record ErrorRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dest+".error.json", data, 0o640)
}
