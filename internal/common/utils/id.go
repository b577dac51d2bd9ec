package utils

import (
	"github.com/google/uuid"
)

// NewRunID returns an identifier for one replication run
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// NewDeliveryID returns a fallback delivery id for webhooks that arrive without one
func NewDeliveryID() string {
	return uuid.NewString()
}
