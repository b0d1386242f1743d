package hktv2m

import (
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"context"
	"fmt"
	"log"
)

var ErrSourceNotFound = fmt.Errorf("source not found")

// current media state -> media player state
// advertised values outside this table map to StateOK
var mediaStateNames = map[int]string{
	CurrentMediaStatePlay:  StatePlaying,
	CurrentMediaStatePause: StatePaused,
	CurrentMediaStateStop:  StateIdle,
}

// Television media player entity for a "television" service on a paired
// accessory. Capability flags are derived once from the characteristics the
// service advertises and are constant afterwards; everything else is read
// live from the accessory snapshot.
type TelevisionEntity struct {
	conn CharacteristicWriter
	acc  *Accessory
	iid  uint64 // television service instance id

	features                  int
	supportedTargetMediaState map[int]bool
	supportedRemoteKey        map[int]bool
}

func createTelevisionEntities(conn CharacteristicWriter, acc *Accessory, svc *Service) ([]MediaPlayer, error) {
	if svc.Type != service.TypeTelevision {
		return nil, nil
	}
	return []MediaPlayer{NewTelevisionEntity(conn, acc, svc)}, nil
}

func init() {
	RegisterCreateEntityHandler(createTelevisionEntities)
}

func NewTelevisionEntity(conn CharacteristicWriter, acc *Accessory, svc *Service) *TelevisionEntity {
	tv := &TelevisionEntity{
		conn: conn,
		acc:  acc,
		iid:  svc.Iid,

		supportedTargetMediaState: make(map[int]bool),
		supportedRemoteKey:        make(map[int]bool),
	}

	if c := svc.Characteristic(characteristic.TypeActiveIdentifier); c != nil {
		tv.setupActiveIdentifier(c)
	}
	if c := svc.Characteristic(characteristic.TypeTargetMediaState); c != nil {
		tv.setupTargetMediaState(c)
	}
	if c := svc.Characteristic(characteristic.TypeRemoteKey); c != nil {
		tv.setupRemoteKey(c)
	}

	return tv
}

// a settable active-identifier is what source selection writes to
func (tv *TelevisionEntity) setupActiveIdentifier(c *Characteristic) {
	tv.features |= FeatureSelectSource
}

func (tv *TelevisionEntity) setupTargetMediaState(c *Characteristic) {
	tv.supportedTargetMediaState = ClampEnum(KnownTargetMediaStates, c)

	if tv.supportedTargetMediaState[TargetMediaStatePause] {
		tv.features |= FeaturePause
	}
	if tv.supportedTargetMediaState[TargetMediaStatePlay] {
		tv.features |= FeaturePlay
	}
	if tv.supportedTargetMediaState[TargetMediaStateStop] {
		tv.features |= FeatureStop
	}
}

func (tv *TelevisionEntity) setupRemoteKey(c *Characteristic) {
	tv.supportedRemoteKey = ClampEnum(KnownRemoteKeys, c)

	// a play/pause toggle key implies both directions
	if tv.supportedRemoteKey[RemoteKeyPlayPause] {
		tv.features |= FeaturePause | FeaturePlay
	}
}

// Live lookup of the television service; the entity holds only the
// accessory and service ids, never the service itself.
func (tv *TelevisionEntity) service() *Service {
	return tv.acc.ServiceByIid(tv.iid)
}

func (tv *TelevisionEntity) debugf(format string, args ...any) {
	if DebugMode {
		log.Printf("tv %q: %s", tv.Name(), fmt.Sprintf(format, args...))
	}
}

func (tv *TelevisionEntity) Name() string {
	if svc := tv.service(); svc != nil {
		if name, ok := svc.Value(characteristic.TypeConfiguredName).(string); ok && name != "" {
			return name
		}
	}

	info := tv.acc.FirstService(ServiceFilter{Type: service.TypeAccessoryInformation})
	if info != nil {
		if name, ok := info.Value(characteristic.TypeName).(string); ok && name != "" {
			return name
		}
	}

	return fmt.Sprintf("tv_%d_%d", tv.acc.Aid, tv.iid)
}

func (tv *TelevisionEntity) DeviceClass() string { return "tv" }

func (tv *TelevisionEntity) SupportedFeatures() int { return tv.features }

// State of the television, derived from the active and current-media-state
// characteristics of the snapshot.
func (tv *TelevisionEntity) State() string {
	svc := tv.service()
	if svc == nil || falsy(svc.Value(characteristic.TypeActive)) {
		return StateProblem
	}

	if v := svc.Value(characteristic.TypeCurrentMediaState); v != nil {
		if s, ok := valToInt(v); ok {
			if name, known := mediaStateNames[s]; known {
				return name
			}
		}
		return StateOK
	}

	return StateOK
}

// Names of all input sources linked to this television, in the accessory's
// current enumeration order.
func (tv *TelevisionEntity) SourceList() []string {
	svc := tv.service()
	if svc == nil {
		return nil
	}

	var sources []string
	inputs := tv.acc.FilterServices(ServiceFilter{
		Type:   service.TypeInputSource,
		Parent: svc,
	})
	for _, in := range inputs {
		if name, ok := in.Value(characteristic.TypeConfiguredName).(string); ok {
			sources = append(sources, name)
		}
	}
	return sources
}

// Name of the current input source, or empty if the active identifier is
// unset or no linked input source matches it. A set identifier without a
// match is not an error; the accessory state can legitimately run ahead of
// sub-service enumeration.
func (tv *TelevisionEntity) Source() string {
	svc := tv.service()
	if svc == nil {
		return ""
	}

	active := svc.Value(characteristic.TypeActiveIdentifier)
	if falsy(active) {
		return ""
	}

	input := tv.acc.FirstService(ServiceFilter{
		Type:       service.TypeInputSource,
		Parent:     svc,
		CharEquals: map[string]any{characteristic.TypeIdentifier: active},
	})
	if input == nil {
		return ""
	}

	name, _ := input.Value(characteristic.TypeConfiguredName).(string)
	return name
}

// Writes a single characteristic on the television service.
// Dropped with a debug log if the characteristic is not present.
func (tv *TelevisionEntity) writeValue(ctx context.Context, ctype string, value int) error {
	svc := tv.service()
	if svc == nil {
		tv.debugf("television service %d has gone away", tv.iid)
		return nil
	}

	c := svc.Characteristic(ctype)
	if c == nil {
		tv.debugf("no characteristic %s to write to", ctype)
		return nil
	}

	return tv.conn.WriteCharacteristics(ctx, []CharacteristicWrite{
		{Aid: tv.acc.Aid, Iid: c.Iid, Value: value},
	})
}

// Sends a play command.
// Prefers the target-media-state characteristic, falling back to the
// play/pause remote key toggle when the accessory has no target state.
func (tv *TelevisionEntity) Play(ctx context.Context) error {
	if tv.State() == StatePlaying {
		tv.debugf("cannot play while already playing")
		return nil
	}

	switch {
	case tv.supportedTargetMediaState[TargetMediaStatePlay]:
		return tv.writeValue(ctx, characteristic.TypeTargetMediaState, TargetMediaStatePlay)

	case tv.supportedRemoteKey[RemoteKeyPlayPause]:
		return tv.writeValue(ctx, characteristic.TypeRemoteKey, RemoteKeyPlayPause)
	}

	tv.debugf("accessory does not support play")
	return nil
}

// Sends a pause command, symmetric to Play
func (tv *TelevisionEntity) Pause(ctx context.Context) error {
	if tv.State() == StatePaused {
		tv.debugf("cannot pause while already paused")
		return nil
	}

	switch {
	case tv.supportedTargetMediaState[TargetMediaStatePause]:
		return tv.writeValue(ctx, characteristic.TypeTargetMediaState, TargetMediaStatePause)

	case tv.supportedRemoteKey[RemoteKeyPlayPause]:
		return tv.writeValue(ctx, characteristic.TypeRemoteKey, RemoteKeyPlayPause)
	}

	tv.debugf("accessory does not support pause")
	return nil
}

// Sends a stop command. There is no remote key fallback; no universal
// "stop" toggle key exists.
func (tv *TelevisionEntity) Stop(ctx context.Context) error {
	if tv.State() == StateIdle {
		tv.debugf("cannot stop when already idle")
		return nil
	}

	if tv.supportedTargetMediaState[TargetMediaStateStop] {
		return tv.writeValue(ctx, characteristic.TypeTargetMediaState, TargetMediaStateStop)
	}

	tv.debugf("accessory does not support stop")
	return nil
}

// Switches to the input source with the given configured name.
// The lookup always runs against the live linked services.
func (tv *TelevisionEntity) SelectSource(ctx context.Context, source string) error {
	svc := tv.service()
	if svc == nil {
		return fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}

	input := tv.acc.FirstService(ServiceFilter{
		Type:       service.TypeInputSource,
		Parent:     svc,
		CharEquals: map[string]any{characteristic.TypeConfiguredName: source},
	})
	if input == nil {
		return fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}

	ident, ok := valToInt(input.Value(characteristic.TypeIdentifier))
	if !ok {
		return fmt.Errorf("%w: %q has no identifier", ErrSourceNotFound, source)
	}

	return tv.writeValue(ctx, characteristic.TypeActiveIdentifier, ident)
}
