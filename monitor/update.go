package monitor

import "liquidatord/position"

// Update is one indexed observation: a position as enriched at the given
// block. The indexer publishes these on a buffered channel; the engine is
// the sole consumer.
type Update struct {
	Block    uint64
	Position position.Position
}
