package server

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	// A run from over an hour ago is due again on an hourly schedule.
	if !isDue("@hourly", time.Now().Add(-2*time.Hour)) {
		t.Fatal("expected hourly schedule to be due after two hours")
	}
	// A run from just now is not.
	if isDue("@hourly", time.Now()) {
		t.Fatal("expected hourly schedule not to be due immediately")
	}
	// Invalid expressions never fire.
	if isDue("not a cron", time.Now().Add(-24*time.Hour)) {
		t.Fatal("expected invalid cron to never be due")
	}
}
