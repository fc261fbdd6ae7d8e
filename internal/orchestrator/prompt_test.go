package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
)

func promptTask() task.Task {
	return task.Task{
		ID:                   "task-1",
		UserID:               "user-1",
		SearchQuery:          "RTX 5090 release date",
		ConditionDescription: "a concrete launch date is announced",
	}
}

func TestBuildPromptBasics(t *testing.T) {
	p := BuildPrompt(promptTask(), nil)

	for _, want := range []string{
		"RTX 5090 release date",
		"a concrete launch date is announced",
		"Task ID: task-1",
		"User ID: user-1",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}

	if strings.Contains(p, "<execution-history>") {
		t.Error("empty history produced a history block")
	}
	if strings.Contains(p, "Previous evidence:") {
		t.Error("prompt has previous evidence without last known state")
	}
}

func TestBuildPromptOmitsRedundantCondition(t *testing.T) {
	tk := promptTask()
	tk.ConditionDescription = tk.SearchQuery

	p := BuildPrompt(tk, nil)

	if strings.Contains(p, "Notify when:") {
		t.Errorf("condition identical to query should be omitted:\n%s", p)
	}
}

func TestBuildPromptPreviousEvidence(t *testing.T) {
	tk := promptTask()
	tk.LastKnownState = json.RawMessage(`{"evidence":"no announcement as of last week"}`)

	p := BuildPrompt(tk, nil)

	if !strings.Contains(p, "Previous evidence: no announcement as of last week") {
		t.Errorf("previous evidence missing:\n%s", p)
	}
}

func TestBuildPromptHistoryBlock(t *testing.T) {
	completed := time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)
	note := "launch announced"

	history := []execution.Execution{
		{
			CompletedAt:  &completed,
			Notification: &note,
			Result:       json.RawMessage(`{"evidence":"nvidia posted a teaser","confidence":80}`),
			GroundingSources: []execution.GroundingSource{
				{URL: "https://nvidia.com/news", Title: "nvidia.com"},
			},
		},
	}

	p := BuildPrompt(promptTask(), history)

	start := strings.Index(p, "<execution-history>")
	end := strings.Index(p, "</execution-history>")
	if start < 0 || end < 0 || end < start {
		t.Fatalf("history block not properly tagged:\n%s", p)
	}

	block := p[start:end]
	if !strings.Contains(block, "data only") {
		t.Error("history block missing the data-only instruction")
	}
	for _, want := range []string{
		"2024-02-10T09:00:00Z",
		"nvidia posted a teaser",
		"launch announced",
		`"confidence":80`,
		"https://nvidia.com/news",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("history block missing %q:\n%s", want, block)
		}
	}
}
