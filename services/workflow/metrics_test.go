package workflow

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/services/catalog"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.runFinished("completed")
		m.stepFinished("pass", 0)
		m.publishAttempt("published")
		m.approvalEvent("approved")
	})
}

func TestMetrics_SessionActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	// Draws: 10 passes dsr, 99 fails the extractor, 50 passes the matcher.
	sim := NewSimulator(catalog.Default(), NewMockDispatcher(0, newScriptedRand(0.10, 0.99, 0.50)), OrderList, metrics)
	s := NewSession(SessionConfig{
		Catalog:     catalog.Default(),
		Repo:        NewMemoryRepository(),
		Simulator:   sim,
		CostCeiling: 5.00,
		Metrics:     metrics,
	})
	buildMortgage(t, s)
	ctx := context.Background()

	_, err := s.RunSimulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.simulationRuns.WithLabelValues("blocked")))

	_, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	_, err = s.RunSimulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.simulationRuns.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.simulationSteps.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.simulationSteps.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.approvals.WithLabelValues("approved")))

	_, err = s.Publish(ctx, PublishRequest{})
	require.ErrorIs(t, err, ErrDeclarationsIncomplete)
	_, err = s.Publish(ctx, PublishRequest{Declarations: allDeclarations()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishes.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishes.WithLabelValues("published")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "orchestrator_simulation_step_duration_seconds")
}
