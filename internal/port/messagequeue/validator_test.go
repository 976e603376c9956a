package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateRunStart(t *testing.T) {
	data := []byte(`{"request_id":"r1","task":"summarize","allowed_tools":["echo"],"max_turns":3}`)
	if err := Validate(SubjectRunStart, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRunStartRequiresTask(t *testing.T) {
	err := Validate(SubjectRunStart, []byte(`{"request_id":"r1","task":"  "}`))
	if err == nil || !strings.Contains(err.Error(), "task is required") {
		t.Fatalf("expected missing task error, got %v", err)
	}
}

func TestValidateWrongFieldType(t *testing.T) {
	err := Validate(SubjectRunStart, []byte(`{"task":"x","max_turns":"three"}`))
	if err == nil || !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestValidateRunComplete(t *testing.T) {
	data := []byte(`{"request_id":"r1","session_id":"s1","reason":"complete","success":true,"final_text":"ok","turns_used":2,"tools_called":["echo"]}`)
	if err := Validate(SubjectRunComplete, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRunEvents(t *testing.T) {
	if err := Validate(RunEventsSubject("s1"), []byte(`{"type":"text_delta","text":"hi"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(RunEventsSubject("s1"), []byte(`{"text":"hi"}`)); err == nil {
		t.Fatal("expected error for event without type")
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	if err := Validate(SubjectRunStart, []byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateUnknownSubjectPasses(t *testing.T) {
	if err := Validate("some.other.subject", []byte(`{"anything":1}`)); err != nil {
		t.Fatalf("unknown subject should pass, got %v", err)
	}
}
