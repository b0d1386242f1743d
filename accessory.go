package hktv2m

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var ErrMalformedDB = fmt.Errorf("attribute database is malformed")

// HAP base UUID suffix. Characteristic and service types in the attribute
// database may be full UUIDs; comparisons happen on the short form.
const hapBaseUUIDSuffix = "-0000-1000-8000-0026BB765291"

// Current media state values (HAP enum)
const (
	CurrentMediaStatePlay  = 0
	CurrentMediaStatePause = 1
	CurrentMediaStateStop  = 2
)

// Target media state values (HAP enum)
const (
	TargetMediaStatePlay  = 0
	TargetMediaStatePause = 1
	TargetMediaStateStop  = 2
)

// Remote key values (HAP enum)
const (
	RemoteKeyRewind      = 0
	RemoteKeyFastForward = 1
	RemoteKeyNextTrack   = 2
	RemoteKeyPrevTrack   = 3
	RemoteKeyArrowUp     = 4
	RemoteKeyArrowDown   = 5
	RemoteKeyArrowLeft   = 6
	RemoteKeyArrowRight  = 7
	RemoteKeySelect      = 8
	RemoteKeyBack        = 9
	RemoteKeyExit        = 10
	RemoteKeyPlayPause   = 11
	RemoteKeyInformation = 15
)

// all target media state values a controller knows about
var KnownTargetMediaStates = []int{
	TargetMediaStatePlay, TargetMediaStatePause, TargetMediaStateStop,
}

// all remote key values a controller knows about
var KnownRemoteKeys = []int{
	RemoteKeyRewind, RemoteKeyFastForward, RemoteKeyNextTrack, RemoteKeyPrevTrack,
	RemoteKeyArrowUp, RemoteKeyArrowDown, RemoteKeyArrowLeft, RemoteKeyArrowRight,
	RemoteKeySelect, RemoteKeyBack, RemoteKeyExit, RemoteKeyPlayPause,
	RemoteKeyInformation,
}

// AccessoryDB is the controller-side view of a paired accessory set,
// as published by the controller daemon in the /accessories JSON shape.
// Values are the last-known snapshot; Apply() folds in change events.
type AccessoryDB struct {
	Accessories []*Accessory `json:"accessories"`
}

type Accessory struct {
	Aid      uint64     `json:"aid"`
	Services []*Service `json:"services"`
}

type Service struct {
	Iid             uint64            `json:"iid"`
	Type            string            `json:"type"`
	Linked          []uint64          `json:"linked,omitempty"`
	Characteristics []*Characteristic `json:"characteristics"`
}

type Characteristic struct {
	Iid         uint64   `json:"iid"`
	Type        string   `json:"type"`
	Value       any      `json:"value"`
	Perms       []string `json:"perms,omitempty"`
	Format      string   `json:"format,omitempty"`
	ValidValues []int    `json:"valid-values,omitempty"`
}

// A single characteristic write or change event, the element type of the
// HAP PUT /characteristics and event bodies.
type CharacteristicWrite struct {
	Aid   uint64 `json:"aid"`
	Iid   uint64 `json:"iid"`
	Value any    `json:"value"`
}

// Wrapper object used by the set and event topics
type characteristicsPayload struct {
	Characteristics []CharacteristicWrite `json:"characteristics"`
}

// Parses an attribute database payload.
// Service and characteristic type UUIDs are normalized to the HAP short
// form so they compare against the hap package's Type constants.
func ParseAccessoryDB(payload []byte) (*AccessoryDB, error) {
	db := &AccessoryDB{}
	if err := json.Unmarshal(payload, db); err != nil {
		return nil, err
	}

	for _, acc := range db.Accessories {
		if acc.Aid == 0 {
			return nil, ErrMalformedDB
		}
		for _, svc := range acc.Services {
			svc.Type = shortUUID(svc.Type)
			for _, c := range svc.Characteristics {
				c.Type = shortUUID(c.Type)
			}
		}
	}

	return db, nil
}

// Converts a HAP type UUID to its short form, e.g.
// "000000D8-0000-1000-8000-0026BB765291" becomes "D8".
// Short or vendor-specific identifiers are passed through unchanged
// (vendor UUIDs don't carry the HAP base suffix).
func shortUUID(t string) string {
	t = strings.ToUpper(t)
	if !strings.HasSuffix(t, hapBaseUUIDSuffix) {
		return t
	}
	t = strings.TrimSuffix(t, hapBaseUUIDSuffix)
	if s := strings.TrimLeft(t, "0"); s != "" {
		return s
	}
	return "0"
}

// Returns the accessory with the given id, or nil
func (db *AccessoryDB) Aid(aid uint64) *Accessory {
	for _, acc := range db.Accessories {
		if acc.Aid == aid {
			return acc
		}
	}
	return nil
}

// Applies a characteristic change event to the snapshot.
// Returns false if no such characteristic exists in the database.
func (db *AccessoryDB) Apply(ev CharacteristicWrite) bool {
	acc := db.Aid(ev.Aid)
	if acc == nil {
		return false
	}
	for _, svc := range acc.Services {
		for _, c := range svc.Characteristics {
			if c.Iid == ev.Iid {
				c.Value = ev.Value
				return true
			}
		}
	}
	return false
}

func (a *Accessory) ServiceByIid(iid uint64) *Service {
	for _, svc := range a.Services {
		if svc.Iid == iid {
			return svc
		}
	}
	return nil
}

// Filter for service enumeration.
// Parent restricts matches to services linked from the given service.
// CharEquals restricts matches to services having a characteristic of the
// given (short) type whose value compares equal.
type ServiceFilter struct {
	Type       string
	Parent     *Service
	CharEquals map[string]any
}

// Enumerates services matching the filter, in database order.
// This is a live view; callers must not cache the result.
func (a *Accessory) FilterServices(f ServiceFilter) []*Service {
	var out []*Service

svcs:
	for _, svc := range a.Services {
		if f.Type != "" && svc.Type != f.Type {
			continue
		}
		if f.Parent != nil && !f.Parent.linksTo(svc.Iid) {
			continue
		}
		for ctype, want := range f.CharEquals {
			if !looseEqual(svc.Value(ctype), want) {
				continue svcs
			}
		}
		out = append(out, svc)
	}
	return out
}

// Like FilterServices, but returns only the first match, or nil
func (a *Accessory) FirstService(f ServiceFilter) *Service {
	if svcs := a.FilterServices(f); len(svcs) > 0 {
		return svcs[0]
	}
	return nil
}

func (s *Service) linksTo(iid uint64) bool {
	for _, l := range s.Linked {
		if l == iid {
			return true
		}
	}
	return false
}

// Returns the characteristic of the given short type, or nil
func (s *Service) Characteristic(ctype string) *Characteristic {
	for _, c := range s.Characteristics {
		if c.Type == ctype {
			return c
		}
	}
	return nil
}

// Returns the last-known value of the characteristic of the given short
// type, or nil if the service has no such characteristic.
func (s *Service) Value(ctype string) any {
	c := s.Characteristic(ctype)
	if c == nil {
		return nil
	}
	return c.Value
}

// Intersects a known enum value set with the values the characteristic
// advertises as valid. A characteristic without a valid-values list is
// taken to support the entire known set.
func ClampEnum(known []int, c *Characteristic) map[int]bool {
	supported := make(map[int]bool)
	if c == nil {
		return supported
	}

	if len(c.ValidValues) == 0 {
		for _, v := range known {
			supported[v] = true
		}
		return supported
	}

	valid := make(map[int]bool, len(c.ValidValues))
	for _, v := range c.ValidValues {
		valid[v] = true
	}
	for _, v := range known {
		if valid[v] {
			supported[v] = true
		}
	}
	return supported
}

// Converts numeric values to float64, if possible
// Returns the converted float64 value and a bool indicating if it was successful.
func valToFloat64(v any) (float64, bool) {
	val := reflect.ValueOf(v)
	switch {
	case val.CanInt():
		return float64(val.Int()), true
	case val.CanUint():
		return float64(val.Uint()), true
	case val.CanFloat():
		return val.Float(), true
	}
	return 0, false
}

// Converts a characteristic value to int.
// JSON numbers arrive as float64, so numeric snapshot values need coercion
// before comparing against enum constants.
func valToInt(v any) (int, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	f, ok := valToFloat64(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Compares two values, coercing numerics so that a float64 snapshot value
// compares equal to an int enum constant.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	af, aok := valToFloat64(a)
	bf, bok := valToFloat64(b)
	return aok && bok && af == bf
}

// Reports whether a characteristic value is falsy: nil, false or zero.
// Used for the "active" characteristic, which some accessories expose as
// bool and others as uint8.
func falsy(v any) bool {
	if v == nil {
		return true
	}
	if b, ok := v.(bool); ok {
		return !b
	}
	if f, ok := valToFloat64(v); ok {
		return f == 0
	}
	return false
}
