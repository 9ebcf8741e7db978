package models

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MissionStatus
		want     bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusInterrupted, true},
		{StatusActive, StatusBlocked, true},
		{StatusActive, StatusNotFeasible, true},
		{StatusInterrupted, StatusActive, true},
		{StatusBlocked, StatusActive, true},
		{StatusFailed, StatusActive, true},
		{StatusCompleted, StatusActive, true},
		{StatusNotFeasible, StatusActive, false},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusFailed, false},
		{StatusInterrupted, StatusBlocked, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestResumable(t *testing.T) {
	resumable := []MissionStatus{StatusInterrupted, StatusBlocked, StatusFailed, StatusCompleted}
	for _, s := range resumable {
		if !s.Resumable() {
			t.Errorf("%s should be resumable", s)
		}
	}
	if StatusActive.Resumable() {
		t.Error("active should not be resumable")
	}
	if StatusNotFeasible.Resumable() {
		t.Error("not_feasible should not be resumable")
	}
	if !StatusNotFeasible.Terminal() {
		t.Error("not_feasible should be terminal")
	}
}
