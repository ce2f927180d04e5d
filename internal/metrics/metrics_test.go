package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotAndReport(t *testing.T) {
	var c Counters
	c.StepsScheduled.Add(3)
	c.ItemsPut.Add(2)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap["steps_scheduled"])
	assert.Equal(t, int64(2), snap["items_put"])
	assert.Contains(t, c.Report(), "steps_scheduled=3")

	c.Reset()
	assert.Equal(t, int64(0), c.Snapshot()["steps_scheduled"])
}
