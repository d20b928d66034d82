package cidx

import (
	"testing"

	"github.com/claude-batch/batchd/logger"
)

func TestReadyFrom(t *testing.T) {
	t.Parallel()

	c := New(logger.Discard)

	for _, test := range []struct {
		name string
		out  string
		want bool
	}{
		{
			name: "running and ready",
			out:  "Service: Running\nIndex: Ready\n",
			want: true,
		},
		{
			name: "running and not needed",
			out:  "Service: Running\nIndex: Not needed (no changes)\n",
			want: true,
		},
		{
			name: "running but indexing",
			out:  "Service: Running\nIndex: Building 42%\n",
			want: false,
		},
		{
			name: "stopped",
			out:  "Service: Stopped\n",
			want: false,
		},
		{name: "empty", out: "", want: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := c.readyFrom(test.out); got != test.want {
				t.Errorf("readyFrom(%q) = %t, want %t", test.out, got, test.want)
			}
		})
	}
}

func TestReadyFromCustomPatterns(t *testing.T) {
	t.Parallel()

	c := New(logger.Discard, WithReadyPatterns("up", "ok"))

	if !c.readyFrom("state: up, index: ok") {
		t.Errorf("readyFrom with custom patterns = false, want true")
	}
	if c.readyFrom("state: up, index: building") {
		t.Errorf("readyFrom without any-pattern = true, want false")
	}
}
