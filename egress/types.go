// Package egress contains the stages draining a ring.
package egress

import (
	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal/config"
)

type receiver = connector.Receiver

type cfg = config.Config

// batchedCfg is the configuration of a stage handing the messages
// to its sink in batches.
type batchedCfg interface {
	cfg

	// batchSize is the largest number of messages delivered at once.
	batchSize() int
}
