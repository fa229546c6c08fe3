package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncWebhook("processed")
		IncCacheLookup(true)
		IncCacheLookup(false)
		IncCacheInvalidation()
		ConnectionOpened()
		ConnectionClosed()
		IncBroadcast("sent")
		IncJobTransition("refresh_sheet", "completed")
		AddJobsPurged(0)
	})
}

func TestWebhookCounter(t *testing.T) {
	before := testutil.ToFloat64(webhookRequests.WithLabelValues("unauthorized"))
	IncWebhook("unauthorized")
	after := testutil.ToFloat64(webhookRequests.WithLabelValues("unauthorized"))
	assert.Equal(t, before+1, after)
}

func TestAddJobsPurged(t *testing.T) {
	before := testutil.ToFloat64(jobsPurged)
	AddJobsPurged(3)
	AddJobsPurged(-1)
	assert.Equal(t, before+3, testutil.ToFloat64(jobsPurged))
}
