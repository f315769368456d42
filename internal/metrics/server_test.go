package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesMetrics(t *testing.T) {
	SenderFragmentsTotal.Add(3)

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "zephyr_sender_fragments_total")
}

func TestServerStartFailsOnBusyAddress(t *testing.T) {
	first := NewServer("127.0.0.1:0", "/m")
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	second := NewServer(first.Addr().String(), "/m")
	assert.Error(t, second.Start(context.Background()))
	assert.Nil(t, second.Addr())
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "").Stop(context.Background()))
}

func TestLabelledCounters(t *testing.T) {
	before := testutil.ToFloat64(ReceiverDropsTotal.WithLabelValues("buffer_full"))
	ReceiverDropsTotal.WithLabelValues("buffer_full").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ReceiverDropsTotal.WithLabelValues("buffer_full")))
}
