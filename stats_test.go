package histstore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromSinkCountsResolves(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	require.NoError(t, err)
	s, _ := newMemStore(t, WithStats(sink))
	putScenario(t, s)

	resolveK(t, s, 30)
	resolveK(t, s, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(sink.Counter(StatSearch)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.Counter(StatReadHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.Counter(StatReadMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.Counter(StatReadSquash)))

	_, err = NewPromSink(reg)
	require.Error(t, err, "second registration must collide")
}

func TestStatNames(t *testing.T) {
	require.Equal(t, "read_squash", StatReadSquash.String())
	require.Equal(t, "stat(42)", Stat(42).String())

	var c CountingSink
	c.Inc(Stat(42))
	require.Zero(t, c.Get(Stat(42)))
}

func TestTeeForwardsToEverySink(t *testing.T) {
	var a, b CountingSink
	s, _ := newMemStore(t, WithStats(Tee(&a, &b)))
	putScenario(t, s)
	resolveK(t, s, 30)

	require.Equal(t, int64(1), a.Get(StatSearch))
	require.Equal(t, a.Get(StatReadHit), b.Get(StatReadHit))
	require.Equal(t, a.Get(StatReadSquash), b.Get(StatReadSquash))
}
