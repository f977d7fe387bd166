package rag

import (
	"reflect"
	"testing"
)

func TestReferencesPastContent(t *testing.T) {
	tests := []struct {
		question string
		want     bool
	}{
		{"what happened in season 1", true},
		{"Who died in Episode 4?", true},
		{"Remember when they met at the wall?", true},
		{"what happened with the dragon eggs", true},
		{"Was she here before?", true},
		{"What did we learn LAST SEASON", true},
		{"what just happened", false},
		{"who is the man in the red cloak", false},
		{"what does seasoning mean here", false},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			if got := ReferencesPastContent(tt.question); got != tt.want {
				t.Errorf("ReferencesPastContent(%q) = %v, want %v", tt.question, got, tt.want)
			}
		})
	}
}

func TestQuestionKeywords(t *testing.T) {
	got := QuestionKeywords("Why did Jon's sword break? Why did it BREAK?", 4)
	want := []string{"jon's", "sword", "break"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("QuestionKeywords() = %v, want %v", got, want)
	}

	if got := QuestionKeywords("who is he", 4); len(got) != 0 {
		t.Errorf("expected no keywords, got %v", got)
	}
}
