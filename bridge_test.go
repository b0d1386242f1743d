package hktv2m

import (
	"context"
	"os"
	"testing"

	"github.com/brutella/hap/characteristic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgePersistState(t *testing.T) {
	dir, err := os.MkdirTemp("", "hktv2m-bridge*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	ctx := context.Background()

	b := NewBridge(ctx, dir)
	b.QuietMode = true

	require.NoError(t, b.AddPairing("AA:BB:CC:DD", []byte(TelevisionDB)))
	assert.Equal(t, 1, b.NumEntities())

	// persist, then restore into a fresh bridge
	require.NoError(t, b.saveDBState())

	b2 := NewBridge(ctx, dir)
	b2.QuietMode = true
	require.NoError(t, b2.LoadCachedDBs())
	assert.Equal(t, 1, b2.NumEntities())

	// restored entities are fully functional
	e := b2.entities["tv"]
	require.NotNil(t, e)
	assert.Equal(t, StatePlaying, e.Player.State())
	assert.Equal(t, []string{"HDMI 1", "HDMI 2"}, e.Player.SourceList())

	// cached databases are weaker than anything already added
	require.NoError(t, b2.LoadCachedDBs())
	assert.Equal(t, 1, b2.NumEntities())
}

func TestBridgeLoadEmptyCache(t *testing.T) {
	dir, err := os.MkdirTemp("", "hktv2m-bridge*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b := NewBridge(context.Background(), dir)
	require.NoError(t, b.LoadCachedDBs())
	assert.Equal(t, 0, b.NumEntities())

	// nothing to persist either
	require.NoError(t, b.saveDBState())
}

func TestBridgeReplacePairing(t *testing.T) {
	dir, err := os.MkdirTemp("", "hktv2m-bridge*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b := NewBridge(context.Background(), dir)
	b.QuietMode = true

	require.NoError(t, b.AddPairing("AA:BB:CC:DD", []byte(TelevisionDB)))
	require.NoError(t, b.AddPairing("AA:BB:CC:DD", []byte(TelevisionDB)))

	// a republished database replaces the old entities, not duplicates them
	assert.Equal(t, 1, b.NumEntities())

	require.Error(t, b.AddPairing("EE:FF:00:11", []byte(`bogus`)))
}

func TestBridgeApplyEvents(t *testing.T) {
	dir, err := os.MkdirTemp("", "hktv2m-bridge*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b := NewBridge(context.Background(), dir)
	b.QuietMode = true
	require.NoError(t, b.AddPairing("AA:BB:CC:DD", []byte(TelevisionDB)))

	e := b.entities["tv"]
	require.NotNil(t, e)
	require.Equal(t, StatePlaying, e.Player.State())

	b.mu.Lock()
	affected := b.applyEventsLocked("AA:BB:CC:DD",
		[]byte(`{"characteristics": [{"aid": 2, "iid": 10, "value": 1}]}`))
	b.mu.Unlock()

	assert.Equal(t, map[uint64]bool{2: true}, affected)
	assert.Equal(t, StatePaused, e.Player.State())

	// events for unknown characteristics or pairings are dropped
	b.mu.Lock()
	affected = b.applyEventsLocked("AA:BB:CC:DD",
		[]byte(`{"characteristics": [{"aid": 2, "iid": 99, "value": 1}]}`))
	assert.Empty(t, affected)
	assert.Nil(t, b.applyEventsLocked("no-such-pairing", []byte(`{}`)))
	b.mu.Unlock()
}

func TestRunEntityCommand(t *testing.T) {
	acc := parseTelevisionDB(t).Aid(2)
	svc := acc.ServiceByIid(8)
	setValue(svc, characteristic.TypeCurrentMediaState, 2)

	conn := &fakeConn{}
	tv := NewTelevisionEntity(conn, acc, svc)
	ctx := context.Background()

	require.NoError(t, runEntityCommand(ctx, tv, entityCommand{Command: "play"}))
	require.Len(t, conn.writes, 1)
	assert.Equal(t, CharacteristicWrite{Aid: 2, Iid: 11, Value: TargetMediaStatePlay}, conn.writes[0])

	require.NoError(t, runEntityCommand(ctx, tv, entityCommand{Command: "select_source", Source: "HDMI 2"}))
	require.Len(t, conn.writes, 2)
	assert.Equal(t, CharacteristicWrite{Aid: 2, Iid: 13, Value: 4}, conn.writes[1])

	err := runEntityCommand(ctx, tv, entityCommand{Command: "select_source", Source: "VGA"})
	assert.ErrorIs(t, err, ErrSourceNotFound)

	assert.Error(t, runEntityCommand(ctx, tv, entityCommand{Command: "eject"}))
}

func TestWriteWithoutConnection(t *testing.T) {
	dir, err := os.MkdirTemp("", "hktv2m-bridge*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	b := NewBridge(context.Background(), dir)
	b.QuietMode = true
	require.NoError(t, b.AddPairing("AA:BB:CC:DD", []byte(TelevisionDB)))

	// a write before the broker connection is up is a transport failure,
	// propagated as-is
	pc := &pairingConn{b, "AA:BB:CC:DD"}
	err = pc.WriteCharacteristics(context.Background(),
		[]CharacteristicWrite{{Aid: 2, Iid: 11, Value: 0}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSlugify(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"Living Room TV", "living_room_tv"},
		{"TV", "tv"},
		{"Sony KD-55 (Bedroom)", "sony_kd_55_bedroom"},
		{"--", ""},
		{"", ""},
	} {
		assert.Equal(t, test.want, slugify(test.in), "slugify(%q)", test.in)
	}
}
