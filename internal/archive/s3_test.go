package archive

import (
	"bufio"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
)

func TestBatchKey(t *testing.T) {
	rows := []domain.AllocationChange{
		{ID: 42, TS: time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)},
		{ID: 7, TS: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		{ID: 99, TS: time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC)},
	}
	assert.Equal(t, "allocation-changes/2026/02/01/7-99.jsonl", batchKey(rows))
}

func TestEncodeBatch_OneLinePerRow(t *testing.T) {
	rows := []domain.AllocationChange{
		{ID: 1, CampaignID: 9, ArmID: 10, TS: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			OldAlloc: 0.5, NewAlloc: 0.6, Reason: domain.ReasonDecision},
		{ID: 2, CampaignID: 9, ArmID: 11, TS: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			OldAlloc: 0.5, NewAlloc: 0.4, Reason: domain.ReasonDecision},
	}
	buf, err := encodeBatch(rows)
	require.NoError(t, err)

	sc := bufio.NewScanner(buf)
	var decoded []domain.AllocationChange
	for sc.Scan() {
		var c domain.AllocationChange
		require.NoError(t, json.Unmarshal(sc.Bytes(), &c))
		decoded = append(decoded, c)
	}
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(1), decoded[0].ID)
	assert.Equal(t, 0.4, decoded[1].NewAlloc)
}
