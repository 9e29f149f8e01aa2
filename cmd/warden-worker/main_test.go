package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEvalExpr(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2*3+4", 10},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"-3+5", 2},
		{"-(2+3)", -5},
		{"1.5 * 2", 3},
		{" 7 - 2 - 1 ", 4},
	}
	for _, tc := range cases {
		got, err := evalExpr(tc.expr)
		if err != nil {
			t.Fatalf("eval %q: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("eval %q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalExprErrors(t *testing.T) {
	for _, expr := range []string{"", "1/0", "2+", "(1+2", "1 foo", "abc"} {
		if _, err := evalExpr(expr); err == nil {
			t.Fatalf("eval %q succeeded", expr)
		}
	}
}

func TestRunCalculate(t *testing.T) {
	w := &runner{}
	content, err := w.run(agentTask{
		Type:      "invoke_tool",
		ToolID:    "builtin:calculate",
		Arguments: map[string]any{"expression": "6*7"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := content.(map[string]any)
	if got["result"] != 42.0 {
		t.Fatalf("result = %v", got["result"])
	}
}

func TestRunEcho(t *testing.T) {
	w := &runner{}
	content, err := w.run(agentTask{
		Type:      "invoke_tool",
		ToolID:    "builtin:echo",
		Arguments: map[string]any{"input": "hello"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if content.(map[string]any)["echo"] != "hello" {
		t.Fatalf("content = %v", content)
	}
}

func TestRunFileRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("contents"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := &runner{}
	content, err := w.run(agentTask{
		Type:      "invoke_tool",
		ToolID:    "builtin:file_read",
		Arguments: map[string]any{"path": path},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if content.(map[string]any)["data"] != "contents" {
		t.Fatalf("content = %v", content)
	}
}

func TestRunRejectsUnknown(t *testing.T) {
	w := &runner{}
	if _, err := w.run(agentTask{Type: "invoke_tool", ToolID: "builtin:nope"}); err == nil {
		t.Fatal("unknown tool accepted")
	}
	if _, err := w.run(agentTask{Type: "dance"}); err == nil {
		t.Fatal("unknown task type accepted")
	}
}
