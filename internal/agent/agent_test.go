package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitSummaryReportsProtocolError(t *testing.T) {
	conn, fake := newConnPair(t, &collectHandler{})
	a := &Agent{
		proc:   NewProcess([]string{"true"}, "", nil, newTestLogger(t)),
		conn:   conn,
		logger: newTestLogger(t),
	}

	// Agent prints a banner instead of JSON-RPC; the process is still alive.
	fake.send("MOTD: welcome to FancyAgent")

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should die on a protocol error")
	}

	summary := a.ExitSummary()
	assert.Contains(t, summary, "agent protocol error")
	assert.Contains(t, summary, "MOTD: welcome to FancyAgent")
	assert.NotContains(t, summary, "exited with code",
		"a live process must not be reported as exited")
}
