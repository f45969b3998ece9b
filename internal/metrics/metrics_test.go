package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordChainEvent(t *testing.T) {
	before := testutil.ToFloat64(ChainEventsTotal.WithLabelValues("ChallengeCreated", "ok"))
	RecordChainEvent("ChallengeCreated", "ok", 1234)

	assert.Equal(t, before+1, testutil.ToFloat64(ChainEventsTotal.WithLabelValues("ChallengeCreated", "ok")))
	assert.Equal(t, float64(1234), testutil.ToFloat64(LastProcessedBlock))
}

func TestSetActiveMatch(t *testing.T) {
	SetActiveMatch(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveMatchGauge))
	SetActiveMatch(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveMatchGauge))
}

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(MoveDecisionsTotal.WithLabelValues("fallback"))
	RecordMoveDecision("fallback")
	assert.Equal(t, before+1, testutil.ToFloat64(MoveDecisionsTotal.WithLabelValues("fallback")))

	beforeFailed := testutil.ToFloat64(ChallengesTotal.WithLabelValues("failed"))
	RecordChallenge(false)
	assert.Equal(t, beforeFailed+1, testutil.ToFloat64(ChallengesTotal.WithLabelValues("failed")))

	beforeKafka := testutil.ToFloat64(KafkaMessagesTotal.WithLabelValues("t", "failed"))
	RecordKafkaMessage("t", false)
	assert.Equal(t, beforeKafka+1, testutil.ToFloat64(KafkaMessagesTotal.WithLabelValues("t", "failed")))
}
