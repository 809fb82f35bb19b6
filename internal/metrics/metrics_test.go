package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAddDownloadedBytes(t *testing.T) {
	before := testutil.ToFloat64(downloadBytes)
	AddDownloadedBytes(2048)
	AddDownloadedBytes(-5) // negative deltas are dropped, counters only grow
	assert.Equal(t, before+2048, testutil.ToFloat64(downloadBytes))
}

func TestObserveStageIsExclusive(t *testing.T) {
	ObserveStage("Downloading")
	ObserveStage("Extracting")
	assert.Equal(t, 0.0, testutil.ToFloat64(pipelineStage.WithLabelValues("Downloading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pipelineStage.WithLabelValues("Extracting")))
}

func TestSetDeployedVersionReplacesPrevious(t *testing.T) {
	SetDeployedVersion("1.2.0")
	SetDeployedVersion("1.3.0")
	assert.Equal(t, 0.0, testutil.ToFloat64(deployedInfo.WithLabelValues("1.2.0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(deployedInfo.WithLabelValues("1.3.0")))
}
