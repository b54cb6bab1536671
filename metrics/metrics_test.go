package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/abnet/common"
)

func TestNewSetsServiceInfo(t *testing.T) {
	srv, err := New(common.PackageName, "")
	require.NoError(t, err)
	require.NotNil(t, srv)

	info := ServiceInfo.WithLabelValues(common.PackageName, common.Version)
	require.Equal(t, float64(1), testutil.ToFloat64(info))
}
