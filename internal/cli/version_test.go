package cli

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestVersionCmdPrintsJSON(t *testing.T) {
	// Run writes to cmd.OutOrStdout, so the printed JSON is captured
	// in buf and decoded below.
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	var roundTripped map[string]string
	if err := json.Unmarshal(buf.Bytes(), &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if roundTripped["name"] != "ingestd" {
		t.Errorf("name = %q, want ingestd", roundTripped["name"])
	}
	if roundTripped["version"] != version {
		t.Errorf("version = %q, want %q", roundTripped["version"], version)
	}
}
