package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
)

func pending(campaignID, armID int64, src domain.MetricSource) Pending {
	return Pending{
		CampaignID: campaignID,
		Metric: domain.Metric{
			ArmID:  armID,
			TS:     time.Now().UTC(),
			Source: src,
		},
	}
}

func TestQueue_DrainOldestFirstPerCampaign(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Enqueue(pending(1, 10, domain.SourcePoll)))
	require.NoError(t, q.Enqueue(pending(2, 20, domain.SourcePoll)))
	require.NoError(t, q.Enqueue(pending(1, 11, domain.SourcePoll)))

	got := q.DrainFor(1, 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Metric.ArmID)
	assert.Equal(t, int64(11), got[1].Metric.ArmID)

	// Campaign 2's event is untouched.
	assert.Equal(t, 1, q.Len())
}

func TestQueue_FullEvictsOldestWebhookFirst(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(pending(1, 10, domain.SourceWebhook)))
	require.NoError(t, q.Enqueue(pending(1, 11, domain.SourcePoll)))

	// Poll event displaces the webhook hint, never another poll row.
	require.NoError(t, q.Enqueue(pending(1, 12, domain.SourcePoll)))

	got := q.DrainFor(1, 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].Metric.ArmID)
	assert.Equal(t, int64(12), got[1].Metric.ArmID)
}

func TestQueue_FullOfPollRejectsWebhook(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(pending(1, 10, domain.SourcePoll)))
	require.NoError(t, q.Enqueue(pending(1, 11, domain.SourcePoll)))

	err := q.Enqueue(pending(1, 12, domain.SourceWebhook))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DrainForRespectsMax(t *testing.T) {
	q := NewQueue(10)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, q.Enqueue(pending(1, 10+i, domain.SourcePoll)))
	}

	got := q.DrainFor(1, 3)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, q.Len())
}
