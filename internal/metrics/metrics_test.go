package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSendCountsMisses(t *testing.T) {
	before := testutil.ToFloat64(LatencyTargetMissed)

	ObserveSend(time.Millisecond, true)
	ObserveSend(40*time.Millisecond, false)

	assert.Equal(t, before+1, testutil.ToFloat64(LatencyTargetMissed))
}

func TestSessionObserver(t *testing.T) {
	before := testutil.ToFloat64(OnlineSessions)

	var o SessionObserver
	o.UserOnline("u1", "Alice")
	o.UserOnline("u2", "Bob")
	o.UserOffline("u1")

	assert.Equal(t, before+1, testutil.ToFloat64(OnlineSessions))
}

func TestRegisterIsRepeatable(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}
