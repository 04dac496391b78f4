package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemClockTracksRealTime(t *testing.T) {
	var c System
	before := time.Now().UnixMilli()
	got := c.NowMillis()
	after := time.Now().UnixMilli()

	require.GreaterOrEqual(t, got, before)
	require.LessOrEqual(t, got, after)
}

func TestDefaultIsSystemClock(t *testing.T) {
	require.IsType(t, System{}, Default)
}
