package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"open-mer/config"
	"open-mer/errs"
)

func testConfig() *config.Config {
	return &config.Config{
		StoreBackend: "memory",
		Bus:          config.BusConfig{Backend: "memory"},
		Signal: config.SignalConfig{
			Source:         "simulated",
			SamplingGroups: config.DefaultSamplingGroups,
		},
		Buffer:    config.BufferConfig{SamplingGroup: 5},
		Features:  config.DefaultFeatures,
		ExportDir: "",
	}
}

func TestRunRejectsUnknownRoles(t *testing.T) {
	for _, role := range []string{"", "scope", "Segmenter"} {
		err := New(testConfig()).Run(role, nil)
		require.Error(t, err, role)
		assert.True(t, errs.IsFatal(err), role)
		assert.ErrorIs(t, err, errs.ErrInvalidArgs)
	}
}

func TestExportRequiresProcedure(t *testing.T) {
	a := New(testConfig())
	a.role = RoleExport

	err := a.runExport(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))

	err = a.runExport(context.Background(), []string{"-bogus"})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestExportMissingProcedureIsStoreError(t *testing.T) {
	a := New(testConfig())
	a.role = RoleExport
	a.config.ExportDir = t.TempDir()

	err := a.runExport(context.Background(), []string{"-procedure", "99"})
	require.Error(t, err)
	assert.False(t, errs.IsFatal(err))
}

func TestFeatureMapKeepsOrder(t *testing.T) {
	m := featureMap(config.DefaultFeatures)
	require.Len(t, m, len(config.DefaultFeatures))
	assert.Equal(t, "NoiseRMS", m[0].Kind)
	assert.Equal(t, []string{"NoiseRMS", "BetaPower", "PAC", "DBSSpikeFeatures"}, m.Enabled())
}

func TestConnectMemoryBackends(t *testing.T) {
	a := New(testConfig())
	a.role = RoleFeatures
	require.NoError(t, a.connectStore())
	require.NoError(t, a.connectBus())
	require.NoError(t, a.connectSource())
	assert.NotNil(t, a.segmentEvents())
	a.closeConnections()
}
