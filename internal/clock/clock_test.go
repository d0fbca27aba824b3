package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourceTicks(t *testing.T) {
	s := New()
	go s.Run()
	defer s.Stop()

	first := s.Now()
	require.Eventually(t, func() bool {
		return s.Now() > first
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSourceStopIsIdempotentWithDone(t *testing.T) {
	s := New()
	go s.Run()
	s.Stop()
	s.Stop()

	select {
	case <-s.done:
	default:
		t.Fatal("Run did not exit after Stop")
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	require.Same(t, a, b)
}
