package hktv2m

import (
	"github.com/brutella/hap"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crypto/tls"
	"net/url"

	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadyConnected = fmt.Errorf("already connected")
	ErrNotConnected     = fmt.Errorf("not connected to MQTT broker")
)

const (
	CONTROLLER_TOPIC_PREFIX = "hkctl/"
	ENTITY_TOPIC_PREFIX     = "hktv2m/"

	// Store name for persisting attribute database snapshots
	HKTV_DB_STORE = "hktv_db"
)

// Bridge consumes paired-accessory attribute databases and characteristic
// change events published by the controller daemon, and exposes media
// player entities on the same broker. Characteristic writes go back out
// through the daemon's set topic.
type Bridge struct {
	// MQTT broker and credentials
	Server   string
	Username string
	Password string

	// topic prefix of the controller daemon (upstream)
	ControllerPrefix string

	// topic prefix for the entities exposed by this bridge (downstream)
	TopicPrefix string

	DebugMode bool
	QuietMode bool

	ctx   context.Context
	store hap.Store

	// mu protects pairings, entities and the configured flag
	mu           sync.RWMutex
	configured   bool
	configuredCh chan struct{}

	// latest event payload per pairing, queued until its database arrives
	pendingEvents sync.Map

	pairings map[string]*Pairing
	entities map[string]*BridgeEntity

	mqttClient mqtt.Client
}

// A paired accessory set known to the controller daemon
type Pairing struct {
	ID string
	DB *AccessoryDB
}

type BridgeEntity struct {
	Pairing *Pairing
	Player  MediaPlayer
	Aid     uint64
}

// state topic payload
type entityState struct {
	State             string   `json:"state"`
	Source            string   `json:"source,omitempty"`
	SourceList        []string `json:"source_list,omitempty"`
	SupportedFeatures int      `json:"supported_features"`
	DeviceClass       string   `json:"device_class"`
}

// command topic payload
type entityCommand struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
}

// Creates and initializes a Bridge.
func NewBridge(ctx context.Context, storeDir string) *Bridge {
	return &Bridge{
		ControllerPrefix: CONTROLLER_TOPIC_PREFIX,
		TopicPrefix:      ENTITY_TOPIC_PREFIX,

		ctx:   ctx,
		store: hap.NewFsStore(storeDir),

		configuredCh: make(chan struct{}),
		pairings:     make(map[string]*Pairing),
		entities:     make(map[string]*BridgeEntity),
	}
}

// Waits until at least one attribute database has been loaded, either from
// the cache or from the controller daemon.
// Once that happens, subsequent calls return immediately.
func (br *Bridge) WaitConfigured() {
	<-br.configuredCh
}

// callers must hold br.mu
func (br *Bridge) markConfigured() {
	if !br.configured {
		br.configured = true
		close(br.configuredCh)
	}
}

// Return number of media player entities registered with the bridge.
func (br *Bridge) NumEntities() int {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return len(br.entities)
}

// Connects to the MQTT server.
// Blocks until the connection is established, then auto-reconnect logic takes over
func (br *Bridge) ConnectMQTT() error {
	if br.mqttClient != nil && br.mqttClient.IsConnected() {
		return ErrAlreadyConnected
	}

	opts := mqtt.NewClientOptions().
		AddBroker(br.Server).
		SetUsername(br.Username).
		SetPassword(br.Password).
		SetClientID("hktv2m").
		SetDialer(&net.Dialer{KeepAlive: -1}).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(2 * time.Second).
		SetConnectRetry(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("connected to MQTT broker")

		tok := c.Subscribe(br.ControllerPrefix+"#", 0, br.handleControllerMessage)
		if tok.Wait() && tok.Error() != nil {
			log.Fatal(tok.Error())
		}

		tok = c.Subscribe(br.TopicPrefix+"+/set", 0, br.handleCommandMessage)
		if tok.Wait() && tok.Error() != nil {
			log.Fatal(tok.Error())
		}

		log.Printf("subscribed to MQTT topics")
	})

	opts.SetConnectionAttemptHandler(func(broker *url.URL, cfg *tls.Config) *tls.Config {
		log.Printf("connecting to MQTT %s...", broker)
		return cfg
	})

	br.mqttClient = mqtt.NewClient(opts)

	if tok := br.mqttClient.Connect(); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}

	return nil
}

// Blocks until the context is cancelled, then disconnects from MQTT and
// flushes the attribute database snapshots to disk.
func (br *Bridge) Run() error {
	<-br.ctx.Done()

	if br.mqttClient != nil {
		br.mqttClient.Disconnect(1000)
	}

	if err := br.saveDBState(); err != nil {
		log.Printf("cannot persist attribute databases: %s", err)
	}

	return br.ctx.Err()
}

// Handle an MQTT message from the controller daemon.
// Topics are <pairing>/accessories for a full attribute database and
// <pairing>/event for characteristic change events.
func (br *Bridge) handleControllerMessage(_ mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()

	// check for topic prefix and remove it
	l := len(br.ControllerPrefix)
	if len(topic) <= l || topic[:l] != br.ControllerPrefix {
		return
	}
	topic = topic[l:]

	// strip leading slashes if we have to
	if topic[0] == '/' {
		topic = topic[1:]
	}

	i := strings.LastIndexByte(topic, '/')
	if i <= 0 {
		return
	}
	pairing, leaf := topic[:i], topic[i+1:]

	// spawn a goroutine to handle message, since mutex might block
	go func() {
		if br.DebugMode {
			log.Printf("received %s/%s: %s", pairing, leaf, payload)
		}

		switch leaf {
		case "accessories":
			br.mu.Lock()
			defer br.mu.Unlock()

			err := br.addPairingLocked(pairing, payload)
			if err != nil {
				log.Printf("unable to add pairing %s: %v", pairing, err)
				return
			}

			// dequeue and apply events that raced ahead of the database
			if ev, queued := br.pendingEvents.LoadAndDelete(pairing); queued {
				br.applyEventsLocked(pairing, ev.([]byte))
			}

			br.publishPairingStateLocked(pairing, nil)
			br.markConfigured()

		case "event":
			br.mu.Lock()
			defer br.mu.Unlock()

			if _, known := br.pairings[pairing]; !known {
				// queue until the attribute database arrives
				// only the latest payload per pairing is kept
				log.Printf("queueing events for %s", pairing)
				br.pendingEvents.Store(pairing, payload)
				return
			}

			affected := br.applyEventsLocked(pairing, payload)
			br.publishPairingStateLocked(pairing, affected)
		}
	}()
}

// Parses an attribute database payload and registers entities for its
// television services.
// A database received again for a known pairing replaces the previous
// snapshot and its entities.
func (br *Bridge) AddPairing(id string, payload []byte) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.addPairingLocked(id, payload)
}

// callers must hold br.mu
func (br *Bridge) addPairingLocked(id string, payload []byte) error {
	db, err := ParseAccessoryDB(payload)
	if err != nil {
		return err
	}

	// drop entities built from a previous snapshot of this pairing
	for slug, e := range br.entities {
		if e.Pairing.ID == id {
			delete(br.entities, slug)
		}
	}

	p := &Pairing{ID: id, DB: db}
	br.pairings[id] = p

	conn := &pairingConn{br, id}

	for _, acc := range db.Accessories {
		for _, svc := range acc.Services {
			for _, createFunc := range createEntityHandlers {
				players, err := createFunc(conn, acc, svc)
				if err != nil {
					return err
				}

				for _, pl := range players {
					br.addEntityLocked(p, acc, pl)
				}
			}
		}
	}

	return nil
}

// callers must hold br.mu
func (br *Bridge) addEntityLocked(p *Pairing, acc *Accessory, pl MediaPlayer) {
	slug := slugify(pl.Name())
	if slug == "" {
		slug = fmt.Sprintf("tv_%d", acc.Aid)
	}

	// disambiguate clashing names
	if _, exists := br.entities[slug]; exists {
		base := slug
		for n := 2; ; n++ {
			slug = fmt.Sprintf("%s_%d", base, n)
			if _, exists := br.entities[slug]; !exists {
				break
			}
		}
	}

	br.entities[slug] = &BridgeEntity{p, pl, acc.Aid}

	if !br.QuietMode {
		log.Printf("registered media player %q for pairing %s", slug, p.ID)
	}
}

// Applies an event payload to the pairing's snapshot and returns the set
// of accessory ids that were touched.
// callers must hold br.mu
func (br *Bridge) applyEventsLocked(pairing string, payload []byte) map[uint64]bool {
	p := br.pairings[pairing]
	if p == nil {
		return nil
	}

	var evs characteristicsPayload
	if err := json.Unmarshal(payload, &evs); err != nil {
		log.Printf("unable to parse event payload for %s: %v", pairing, err)
		return nil
	}

	affected := make(map[uint64]bool)
	for _, ev := range evs.Characteristics {
		if !p.DB.Apply(ev) {
			if br.DebugMode {
				log.Printf("event for unknown characteristic %d/%d on %s", ev.Aid, ev.Iid, pairing)
			}
			continue
		}
		affected[ev.Aid] = true
	}
	return affected
}

// Publishes entity state for a pairing. A nil aid set publishes all of the
// pairing's entities; otherwise only entities on the affected accessories.
// callers must hold br.mu
func (br *Bridge) publishPairingStateLocked(pairing string, aids map[uint64]bool) {
	for slug, e := range br.entities {
		if e.Pairing.ID != pairing {
			continue
		}
		if aids != nil && !aids[e.Aid] {
			continue
		}
		br.publishEntityState(slug, e)
	}
}

func (br *Bridge) publishEntityState(slug string, e *BridgeEntity) {
	st := entityState{
		State:             e.Player.State(),
		Source:            e.Player.Source(),
		SourceList:        e.Player.SourceList(),
		SupportedFeatures: e.Player.SupportedFeatures(),
		DeviceClass:       e.Player.DeviceClass(),
	}

	payload, err := json.Marshal(st)
	if err != nil {
		log.Printf("cannot marshal state for %q: %v", slug, err)
		return
	}

	// retained, so consumers see the last state on subscribe
	if err := br.publish(br.TopicPrefix+slug+"/state", payload, true); err != nil {
		log.Printf("cannot publish state for %q: %v", slug, err)
	}
}

// Handle a command published to an entity's set topic
func (br *Bridge) handleCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()

	l := len(br.TopicPrefix)
	if len(topic) <= l || topic[:l] != br.TopicPrefix {
		return
	}

	slug, ok := strings.CutSuffix(topic[l:], "/set")
	if !ok {
		return
	}

	go func() {
		var cmd entityCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Printf("unable to parse command payload for %q: %v", slug, err)
			return
		}

		br.mu.RLock()
		e := br.entities[slug]
		br.mu.RUnlock()

		if e == nil {
			log.Printf("command for unknown entity %q", slug)
			return
		}

		if !br.QuietMode {
			log.Printf("command %q for %q", cmd.Command, slug)
		}

		if err := runEntityCommand(br.ctx, e.Player, cmd); err != nil {
			log.Printf("command %q for %q failed: %s", cmd.Command, slug, err)
		}
	}()
}

// Dispatches a parsed command to the entity.
// Capability-absent and redundant commands are handled inside the entity;
// an error here is either an unknown command, a missing source, or a
// transport failure, none of which disable the entity.
func runEntityCommand(ctx context.Context, p MediaPlayer, cmd entityCommand) error {
	switch cmd.Command {
	case "play":
		return p.Play(ctx)
	case "pause":
		return p.Pause(ctx)
	case "stop":
		return p.Stop(ctx)
	case "select_source":
		return p.SelectSource(ctx, cmd.Source)
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

func (br *Bridge) publish(topic string, payload []byte, retained bool) error {
	if br.mqttClient == nil {
		return ErrNotConnected
	}

	if br.DebugMode {
		log.Printf("publishing %s: %s", topic, payload)
	}

	if tok := br.mqttClient.Publish(topic, 0, retained, payload); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}
	return nil
}

// The CharacteristicWriter handed to entity factories; writes become a
// single publish to the pairing's set topic. Delivery and retry beyond the
// broker handoff are the controller daemon's concern.
type pairingConn struct {
	br      *Bridge
	pairing string
}

func (pc *pairingConn) WriteCharacteristics(ctx context.Context, writes []CharacteristicWrite) error {
	payload, err := json.Marshal(characteristicsPayload{writes})
	if err != nil {
		return err
	}

	return pc.br.publish(pc.br.ControllerPrefix+pc.pairing+"/set", payload, false)
}

// Load cached attribute databases from hap.Store, so entities exist before
// the controller daemon republishes.
// A blank or missing cache is not an error. Pairings already added are not
// overwritten.
func (br *Bridge) LoadCachedDBs() error {
	state, err := br.store.Get(HKTV_DB_STORE)
	if err != nil || len(state) == 0 {
		return nil
	}

	var dbs map[string]json.RawMessage
	if err := json.Unmarshal(state, &dbs); err != nil {
		return err
	}

	br.mu.Lock()
	defer br.mu.Unlock()

	for id, raw := range dbs {
		if _, exists := br.pairings[id]; exists {
			log.Printf("skipping cached %s, newer data is available", id)
			continue
		}

		if err := br.addPairingLocked(id, raw); err != nil {
			log.Printf("cannot restore pairing %s from cache: %v", id, err)
		}
	}

	if len(br.pairings) > 0 {
		br.markConfigured()
	}

	return nil
}

// Persists the attribute database snapshots into hap.Store.
// Returns an error if there was a problem with serialization or storing.
func (br *Bridge) saveDBState() error {
	br.mu.RLock()
	defer br.mu.RUnlock()

	if len(br.pairings) == 0 {
		return nil
	}

	dbs := make(map[string]json.RawMessage, len(br.pairings))
	for id, p := range br.pairings {
		j, err := json.Marshal(p.DB)
		if err != nil {
			return err
		}
		dbs[id] = j
	}

	allJson, err := json.Marshal(dbs)
	if err != nil {
		return err
	}

	return br.store.Set(HKTV_DB_STORE, allJson)
}
