package main

import (
	"testing"
)

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want int
	}{
		{"no_command", nil, exitUsage},
		{"unknown_command", []string{"frobnicate"}, exitUsage},
		{"help", []string{"help"}, exitUsage},
		{"bad_flag", []string{"run", "-no-such-flag"}, exitUsage},
		{"run_without_file", []string{"run", "-env", "nonexistent.env"}, exitUsage},
		{"resume_missing_file", []string{"resume", "-env", "nonexistent.env", "only-source"}, exitUsage},
		{"serve_extra_args", []string{"serve", "-env", "nonexistent.env", "extra"}, exitUsage},
		{"invalid_policy", []string{"run", "-env", "nonexistent.env", "-cancel-policy", "ignore", "a.mp3"}, exitFailure},
		{"unknown_vendor", []string{"run", "-env", "nonexistent.env", "-vendor", "acme", "a.mp3"}, exitFailure},
		{"resume_retry_failed_missing_file", []string{"resume", "-env", "nonexistent.env", "-retry-failed", "only-source"}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.argv); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.argv, got, tt.want)
			}
		})
	}
}

func TestRunMissingAudio(t *testing.T) {
	t.Setenv("BS_CLIENT_ID", "1")
	t.Setenv("BS_API_KEY", "k")
	t.Setenv("JOB_DIR", t.TempDir())
	t.Setenv("RESULT_DIR", t.TempDir())
	if got := run([]string{"run", "-env", "nonexistent.env", "/no/such/file.mp3"}); got != exitFailure {
		t.Errorf("exit = %d, want %d", got, exitFailure)
	}
}
