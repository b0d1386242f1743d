package hktv2m

import (
	"context"
	"strings"
)

// Media player states exposed on the state topic
const (
	StatePlaying = "playing"
	StatePaused  = "paused"
	StateIdle    = "idle"
	StateOK      = "ok"
	StateProblem = "problem"
)

// Supported-feature flags. The values follow Home Assistant's media player
// feature bitmask so downstream consumers can use the mask directly.
const (
	FeaturePause        = 1
	FeatureSelectSource = 2048
	FeatureStop         = 4096
	FeaturePlay         = 16384
)

// package-wide debug logging for entities, set by cmd at startup
var DebugMode = false

// MediaPlayer is the entity contract exposed on the MQTT surface.
// Property reads are synchronous and computed from the last-known
// characteristic snapshot; command methods issue at most one
// characteristic write and do not wait for the resulting state change.
type MediaPlayer interface {
	Name() string
	DeviceClass() string
	SupportedFeatures() int
	State() string
	SourceList() []string
	Source() string

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SelectSource(ctx context.Context, source string) error
}

// CharacteristicWriter is the transport collaborator handle. The write is
// a single round trip; delivery, retry and reconnect are the controller
// daemon's responsibility.
type CharacteristicWriter interface {
	WriteCharacteristics(ctx context.Context, writes []CharacteristicWrite) error
}

// Function that creates entities for a service of a paired accessory,
// invoked by the Bridge for every service in an attribute database.
// Returns no entities if the service type is not handled.
// The writer handle is passed in directly; there is no ambient
// pairing-to-connection registry.
type CreateEntityFunc func(conn CharacteristicWriter, acc *Accessory, svc *Service) ([]MediaPlayer, error)

// Registers a CreateEntityFunc for use by the Bridge
func RegisterCreateEntityHandler(f CreateEntityFunc) {
	createEntityHandlers = append(createEntityHandlers, f)
}

// registered createEntity handlers
var createEntityHandlers []CreateEntityFunc

// Derives an MQTT topic slug from an entity name.
// Lowercased, runs of non-alphanumeric characters become single underscores.
func slugify(name string) string {
	var b strings.Builder
	us := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			if us && b.Len() > 0 {
				b.WriteByte('_')
			}
			us = false
			b.WriteRune(r)
		default:
			us = true
		}
	}
	return b.String()
}
