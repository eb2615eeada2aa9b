package tracker

import "testing"

func TestParseIssuesBareArray(t *testing.T) {
	out := []byte(`[
		{"id": "bd-1", "title": "Scene 1", "description": "open on the dock", "status": "ready"},
		{"id": "bd-2", "title": "Scene 2", "description": "the storm hits", "status": "ready"}
	]`)
	issues, err := parseIssues(out)
	if err != nil {
		t.Fatalf("parseIssues: %v", err)
	}
	if len(issues) != 2 || issues[0].ID != "bd-1" || issues[1].Description != "the storm hits" {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestParseIssuesWrappedObject(t *testing.T) {
	out := []byte(`{"issues": [{"id": "bd-3", "title": "Scene 3", "status": "open"}]}`)
	issues, err := parseIssues(out)
	if err != nil {
		t.Fatalf("parseIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != "bd-3" {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestParseIssuesEmpty(t *testing.T) {
	issues, err := parseIssues([]byte("  \n"))
	if err != nil || issues != nil {
		t.Fatalf("empty = %v, %v", issues, err)
	}
}

func TestParseIssuesMalformed(t *testing.T) {
	if _, err := parseIssues([]byte("bd: command error")); err == nil {
		t.Fatal("want error for non-JSON output")
	}
}
