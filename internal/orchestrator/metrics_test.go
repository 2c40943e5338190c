package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OneBeatTrue/code-agent/internal/telemetry"
)

func TestTelemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()

	h := newHarness(t, 3, WithMeterProvider(tel.MeterProvider()), WithTracerProvider(tel.TracerProvider()))
	rec := h.start(t)
	h.ci(t, "success")
	h.ci(t, "success")

	assert.Equal(t, int64(1), tel.CounterValue(t, "codeagent.cycles.started"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "codeagent.cycles.completed"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "codeagent.iterations.code_steps"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "codeagent.reviews"))
	assert.Equal(t, int64(2), tel.CounterValue(t, "codeagent.ci_events"))

	for _, name := range []string{
		"orchestrator.start_cycle",
		"orchestrator.code_step",
		"orchestrator.ci_completion",
		"orchestrator.review_step",
	} {
		tel.AssertSpanExists(t, name)
	}
	tel.AssertSpanAttribute(t, "orchestrator.start_cycle", "repository", rec.RepositoryFullName)
}
