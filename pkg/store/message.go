// Package store persists captured MQTT messages.
//
// Every recording session writes to its own SQLite file, named from the
// session start time. A Writer appends messages in capture order and seals
// the file on Close; any number of Readers may then replay it concurrently.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// FormatVersion is written to every new store.
const FormatVersion = 1

// Common errors
var (
	ErrClosed   = errors.New("store is closed")
	ErrExists   = errors.New("store file already exists")
	ErrNotStore = errors.New("not an mqttlog store")
)

// Message is one captured MQTT publish.
type Message struct {
	// Sequence is assigned by the Writer: 0, 1, 2, ... in append order.
	Sequence uint64 `json:"sequence" yaml:"sequence"`

	Topic   string `json:"topic" yaml:"topic"`
	Payload []byte `json:"payload" yaml:"payload"`

	// QoS and Retained are the delivery metadata reported by the transport.
	QoS      byte `json:"qos" yaml:"qos"`
	Retained bool `json:"retained,omitempty" yaml:"retained,omitempty"`

	// CapturedAt is when the recorder received the message, not when it was
	// published upstream.
	CapturedAt time.Time `json:"capturedAt" yaml:"capturedAt"`
}

// Meta describes the recording session that created a store.
type Meta struct {
	BrokerAddress string   `json:"brokerAddress" yaml:"brokerAddress"`
	Topics        []string `json:"topics" yaml:"topics"`
}

// Info summarises a store.
type Info struct {
	Path          string    `json:"path" yaml:"path"`
	FormatVersion int       `json:"formatVersion" yaml:"formatVersion"`
	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
	SealedAt      time.Time `json:"sealedAt,omitzero" yaml:"sealedAt,omitempty"`
	Meta          Meta      `json:"meta" yaml:"meta"`

	Count int64     `json:"count" yaml:"count"`
	First time.Time `json:"first,omitzero" yaml:"first,omitempty"`
	Last  time.Time `json:"last,omitzero" yaml:"last,omitempty"`
}

// Sealed reports whether the writer closed the store cleanly.
func (i *Info) Sealed() bool {
	return !i.SealedAt.IsZero()
}

// Duration is the capture time span between the first and last message.
func (i *Info) Duration() time.Duration {
	if i.Count < 2 {
		return 0
	}
	return i.Last.Sub(i.First)
}

// Source yields messages in ascending sequence order. Each call to Messages
// starts a fresh, independent iteration.
type Source interface {
	Messages(ctx context.Context) iter.Seq2[Message, error]
}

// Slice is an in-memory Source.
type Slice []Message

// Messages yields the slice in order.
func (s Slice) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for _, m := range s {
			if err := ctx.Err(); err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// WriteError reports a failed append. It is fatal to the recording session
// that produced it.
type WriteError struct {
	Path     string
	Sequence uint64
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s: write message %d: %v", e.Path, e.Sequence, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
