package round

import (
	"testing"
	"time"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

func TestShouldWaitForPreSearch(t *testing.T) {
	t.Parallel()

	now := time.Now()

	rec := func(status model.RecordStatus, age time.Duration) *model.PreSearch {
		return &model.PreSearch{
			Status:    status,
			CreatedAt: now.Add(-age),
		}
	}

	tests := []struct {
		name    string
		enabled bool
		rec     *model.PreSearch
		want    bool
	}{
		{"search disabled", false, nil, false},
		{"search disabled ignores pending record", false, rec(model.StatusPending, time.Second), false},
		{"no record yet waits", true, nil, true},
		{"pending record waits", true, rec(model.StatusPending, time.Second), true},
		{"streaming record waits", true, rec(model.StatusStreaming, time.Second), true},
		{"complete record proceeds", true, rec(model.StatusComplete, time.Second), false},
		{"failed record proceeds", true, rec(model.StatusFailed, time.Second), false},
		{"stuck record times out", true, rec(model.StatusStreaming, PreSearchWaitTimeout + time.Second), false},
		{"record at the bound still waits", true, rec(model.StatusStreaming, PreSearchWaitTimeout), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ShouldWaitForPreSearch(tt.enabled, tt.rec, now)
			if got != tt.want {
				t.Errorf("ShouldWaitForPreSearch() = %v, want %v", got, tt.want)
			}
		})
	}
}
