package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			JobID:   "job-001",
			Contest: "weekly-contest-299",
			Stage:   "predict",
			Msg:     "stage_start",
			Meta:    map[string]interface{}{"records": 25000},
		})

		output := buf.String()
		if output == "" {
			t.Fatal("expected output, got empty string")
		}
		if !strings.Contains(output, "job-001") {
			t.Errorf("expected output to contain JobID, got: %s", output)
		}
		if !strings.Contains(output, "weekly-contest-299") {
			t.Errorf("expected output to contain contest slug, got: %s", output)
		}
		if !strings.Contains(output, "stage_start") {
			t.Errorf("expected output to contain Msg, got: %s", output)
		}
		if !strings.Contains(output, "records") {
			t.Errorf("expected output to contain meta key, got: %s", output)
		}
	})

	t.Run("omits meta when empty", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{JobID: "job-002", Msg: "job_armed"})

		if strings.Contains(buf.String(), "meta=") {
			t.Errorf("expected no meta section, got: %s", buf.String())
		}
	})
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		JobID:   "job-003",
		Contest: "biweekly-contest-80",
		Stage:   "archive",
		Msg:     "stage_end",
		Meta:    map[string]interface{}{"duration_ms": 1520.5},
	})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if decoded["job"] != "job-003" {
		t.Errorf("expected job=job-003, got %v", decoded["job"])
	}
	if decoded["contest"] != "biweekly-contest-80" {
		t.Errorf("expected contest=biweekly-contest-80, got %v", decoded["contest"])
	}
	if decoded["msg"] != "stage_end" {
		t.Errorf("expected msg=stage_end, got %v", decoded["msg"])
	}
}

func TestNullEmitter_Discards(t *testing.T) {
	emitter := NewNullEmitter()
	// Must not panic regardless of event contents.
	emitter.Emit(Event{})
	emitter.Emit(Event{Msg: "anything", Meta: map[string]interface{}{"error": "x"}})
}
