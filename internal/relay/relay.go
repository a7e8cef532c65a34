// Package relay replicates accepted operations between server instances.
//
// Every instance publishes the operations it accepts on one shared channel
// and re-delivers everything it receives from that channel, its own
// publications included, to its local clients. Delivery is at-least-once
// within a broker session; ordering across instances is not guaranteed.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/server/internal/oplog"
)

var ErrRelayUnavailable = errors.New("relay unavailable")

// Origin names the instance and client that submitted an operation, so the
// submitting connection can be skipped on re-delivery.
type Origin struct {
	Instance string `json:"instance"`
	Client   string `json:"client,omitempty"`
}

// Envelope is the wire payload: the operation's own fields with an optional
// origin alongside. A bare operation published by an older instance decodes
// with a nil Origin.
type Envelope struct {
	oplog.Operation
	Origin *Origin `json:"origin,omitempty"`
}

type Handler func(ctx context.Context, env Envelope)

type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Run subscribes and calls h for every received envelope until ctx is
	// done. Envelopes are handled one at a time in arrival order.
	Run(ctx context.Context, h Handler) error
	// Ready is closed once the subscription is established.
	Ready() <-chan struct{}
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ProjectID == "" {
		return Envelope{}, errors.New("decode envelope: missing projectId")
	}
	return env, nil
}
