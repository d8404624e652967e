package intent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassify_DefaultTable(t *testing.T) {
	router := NewRouter(nil)

	tests := []struct {
		text           string
		wantType       string
		wantConfidence float64
	}{
		{"what's my next meeting", "schedule_query", 0.92},
		{"What Time Is My dentist appointment", "schedule_query", 0.92},
		{"remind me to buy milk", "task_create", 0.88},
		{"can you call the plumber for me", "delegate_request", 0.83},
		{"hello there", "smalltalk", 0.6},
		{"okay goodbye", "end_call", 0.9},
		{"the quick brown fox", TypeUnknown, UnknownConfidence},
		{"", TypeUnknown, UnknownConfidence},
	}

	for _, tc := range tests {
		got := router.Classify(tc.text)
		if got.Type != tc.wantType {
			t.Errorf("Classify(%q).Type = %q, want %q", tc.text, got.Type, tc.wantType)
		}
		if got.Confidence != tc.wantConfidence {
			t.Errorf("Classify(%q).Confidence = %v, want %v", tc.text, got.Confidence, tc.wantConfidence)
		}
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	router := NewRouter(nil)
	first := router.Classify("what's my next meeting")
	for i := 0; i < 10; i++ {
		got := router.Classify("what's my next meeting")
		if got.Type != first.Type || got.Confidence != first.Confidence {
			t.Fatalf("classification changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestClassify_HighestConfidenceWins(t *testing.T) {
	router := NewRouter([]Signal{
		{ID: "low", Intent: "weak", Confidence: 0.4, Phrases: []string{"meeting"}},
		{ID: "high", Intent: "strong", Confidence: 0.9, Phrases: []string{"next meeting"}},
	})

	got := router.Classify("when is my next meeting")
	if got.Type != "strong" {
		t.Fatalf("got intent %q, want strong", got.Type)
	}
	if len(got.SignalIDs) != 2 {
		t.Fatalf("got signal ids %v, want both matching signals reported", got.SignalIDs)
	}
}

func TestClassify_UnmatchedHasNoSignalIDs(t *testing.T) {
	router := NewRouter(nil)
	got := router.Classify("xyzzy plugh")
	if got.Type != TypeUnknown {
		t.Fatalf("got %q, want unknown", got.Type)
	}
	if len(got.SignalIDs) != 0 {
		t.Fatalf("unknown intent should carry no signal ids, got %v", got.SignalIDs)
	}
}

func TestLoadSignals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.yaml")
	content := `signals:
  - id: sig-test
    intent: test_intent
    confidence: 0.75
    phrases:
      - "test phrase"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	signals, err := LoadSignals(path)
	if err != nil {
		t.Fatalf("LoadSignals: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}

	router := NewRouter(signals)
	got := router.Classify("this is a TEST PHRASE indeed")
	if got.Type != "test_intent" || got.Confidence != 0.75 {
		t.Fatalf("got %+v, want test_intent at 0.75", got)
	}
}

func TestLoadSignals_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"missing_id.yaml":     "signals:\n  - intent: a\n    confidence: 0.5\n    phrases: [x]\n",
		"bad_confidence.yaml": "signals:\n  - id: s\n    intent: a\n    confidence: 1.5\n    phrases: [x]\n",
		"no_phrases.yaml":     "signals:\n  - id: s\n    intent: a\n    confidence: 0.5\n",
		"empty.yaml":          "signals: []\n",
	}

	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSignals(path); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}
