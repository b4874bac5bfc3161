// Package processor contains the stages moving messages from a ring to others.
package processor

import (
	"github.com/FerroO2000/uniring/connector"
)

type receiver = connector.Receiver

type sender = connector.Sender
