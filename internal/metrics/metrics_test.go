package metrics

import (
	"testing"
	"time"
)

func TestMetricsRecording(t *testing.T) {
	RecordCommand("ping", 10*time.Millisecond, true)
	RecordCommand("setmaster", 5*time.Millisecond, false)
	RecordUpdateTask("UpNode", true)
	RecordUpdateTask("AddSlave", false)
	RecordConditionCronFire()
	RecordConditionCronTimeout()
	RecordMigrationAck()

	c := NewCollector()
	c.RecordCommandEntry()
	c.RecordCommandEntry()
	c.FlushQPSWindow()
	c.Collect()

	// Can't easily assert on the global prometheus registry without
	// parsing output, but ensuring no panic is a good start for unit tests.
}
