// Package ingress contains the stages feeding a ring.
package ingress

import (
	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal/config"
)

type sender = connector.Sender

type cfg = config.Config
