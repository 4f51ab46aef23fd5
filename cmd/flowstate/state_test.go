package main

import (
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/internal/state"
)

func TestApplySet(t *testing.T) {
	doc := state.NewDocument(time.Now())

	cases := []struct {
		kv      string
		wantErr bool
	}{
		{"phase=build", false},
		{"task=compile", false},
		{"meta.region=us-east-1", false},
		{"nope=x", true},
		{"malformed", true},
	}
	for _, tc := range cases {
		err := applySet(doc, tc.kv)
		if (err != nil) != tc.wantErr {
			t.Errorf("applySet(%q) err = %v, wantErr %v", tc.kv, err, tc.wantErr)
		}
	}

	if doc.Phase != "build" {
		t.Errorf("Phase = %q, want build", doc.Phase)
	}
	if !doc.TaskCompleted("compile") {
		t.Error("task compile not completed")
	}
	if doc.Metadata.Fields["region"] != "us-east-1" {
		t.Errorf("meta region = %q", doc.Metadata.Fields["region"])
	}
}

func TestStatePatch(t *testing.T) {
	doc := state.NewDocument(time.Now())
	doc.CompleteTask("existing")

	p := &statePatch{
		Phase:          "deploy",
		CompletedTasks: []string{"new-task"},
		Metadata:       map[string]string{"owner": "ci"},
	}
	p.apply(doc)

	if doc.Phase != "deploy" {
		t.Errorf("Phase = %q, want deploy", doc.Phase)
	}
	if !doc.TaskCompleted("existing") || !doc.TaskCompleted("new-task") {
		t.Errorf("CompletedTasks = %v, want both tasks", doc.CompletedTasks)
	}
	if doc.Metadata.Fields["owner"] != "ci" {
		t.Errorf("owner = %q, want ci", doc.Metadata.Fields["owner"])
	}

	t.Run("empty patch is a no-op", func(t *testing.T) {
		before := doc.Clone()
		(&statePatch{}).apply(doc)
		if doc.Phase != before.Phase || len(doc.CompletedTasks) != len(before.CompletedTasks) {
			t.Error("empty patch mutated the document")
		}
	})
}
