package utils

import (
	"testing"
	"time"
)

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{",,a,", []string{"a"}},
	}
	for _, tt := range tests {
		got := SplitCSV(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("SplitCSV(%q) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("SplitCSV(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestSplitIDs(t *testing.T) {
	got := SplitIDs("1, 2,abc, 3,")
	want := []uint{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("SplitIDs = %v", got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("SplitIDs = %v, want %v", got, want)
		}
	}
	if SplitIDs("") != nil {
		t.Fatal("empty input should yield nil")
	}
}

func TestStartOfDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	in := time.Date(2025, 3, 15, 18, 30, 45, 123, loc)
	got := StartOfDay(in)
	if got.Hour() != 0 || got.Minute() != 0 || got.Second() != 0 || got.Nanosecond() != 0 {
		t.Fatalf("StartOfDay = %v", got)
	}
	if got.Location() != loc || got.Day() != 15 {
		t.Fatalf("StartOfDay = %v", got)
	}
}

func TestFormatTime(t *testing.T) {
	in := time.Date(2025, 3, 15, 8, 5, 9, 0, time.UTC)
	if got := FormatTime(in); got != "2025-03-15 08:05:09" {
		t.Fatalf("FormatTime = %q", got)
	}
}
