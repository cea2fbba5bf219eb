package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadScanRatio(t *testing.T) {
	c := Default()
	c.MinScanRatio = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativeSleep(t *testing.T) {
	c := Default()
	c.SleepMillis = -1
	require.Error(t, c.Validate())
}

func TestValidateRejectsShallowRungDelta(t *testing.T) {
	c := Default()
	c.RungDelta = 1
	require.Error(t, c.Validate())
}

func TestRunStateString(t *testing.T) {
	require.Equal(t, "stop", RunStop.String())
	require.Equal(t, "merge", RunMerge.String())
}
