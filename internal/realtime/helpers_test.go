package realtime_test

import (
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime/realtimetest"
)

type recorder = realtimetest.Recorder

func newTestHub(t *testing.T) *realtimetest.Hub {
	t.Helper()
	return realtimetest.NewHub(realtime.DispatcherConfig{SendTimeout: 100 * time.Millisecond, Concurrency: 4})
}
