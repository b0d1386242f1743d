package main

import (
	"hktv2m"
	"strings"

	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"syscall"
)

var (
	// matches whole line comments in config file
	CONFIG_COMMENTS_RE = regexp.MustCompile(`(?m)^\s*//.*$`)

	// for MQTT server URI validation
	SERVER_URL_RE = regexp.MustCompile(`^[a-z]+://.*:[0-9]{1,5}$`)
)

var (
	configFile = flag.String("config", "/etc/hktv2m.conf", "config file")
	dbPath     = flag.String("db", "/var/lib/hktv2m/db", "db path")
	debugMode  = flag.Bool("debug", false, "enable debug messages")
	quietMode  = flag.Bool("quiet", false, "reduce verbosity by not showing received updates")
)

// config struct
type config struct {
	Server, Username, Password string

	ControllerPrefix string
	TopicPrefix      string
}

func parseConfig(fname string) (cfg *config, err error) {
	cfgStr, err := os.ReadFile(fname)
	if err != nil {
		return
	}

	// remove line comments, json.Unmarshal can't parse them
	cfgStr = CONFIG_COMMENTS_RE.ReplaceAllLiteral(cfgStr, []byte{})

	cfg = &config{
		ControllerPrefix: hktv2m.CONTROLLER_TOPIC_PREFIX,
		TopicPrefix:      hktv2m.ENTITY_TOPIC_PREFIX,
	}
	if err = json.Unmarshal(cfgStr, cfg); err != nil {
		return
	}

	// sanity check
	if cfg.Server == "" {
		err = fmt.Errorf("MQTT server not specified")
	} else if !SERVER_URL_RE.MatchString(cfg.Server) {
		err = fmt.Errorf("invalid MQTT server: needs to be in URL format with port")
	}

	return
}

func readVcsRevision() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "?"
}

func main() {
	versionStr := fmt.Sprintf("hktv2m version %s", readVcsRevision())

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), versionStr+"\n"+
			"HomeKit television <-> MQTT media player bridge\n"+
			"\nUsage: %s [options...]\n",
			filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}

	flag.Parse()

	// check if we are running under systemd, and if so, dont output timestamps
	if a, b := os.Getenv("INVOCATION_ID"), os.Getenv("JOURNAL_STREAM"); a != "" && b != "" {
		log.SetFlags(0)
	}

	if *debugMode && *quietMode {
		log.Fatalf("-quiet and -debug options are mutually-exclusive")
	}

	cfg, err := parseConfig(*configFile)
	if err != nil {
		log.Fatalf("config file error: %v", err)
	}

	// topic prefixes must end with a / and must not shadow each other
	for _, p := range []string{cfg.ControllerPrefix, cfg.TopicPrefix} {
		if p == "" || !strings.HasSuffix(p, "/") {
			log.Fatalf("invalid topic prefix %q: must end with a /", p)
		}
	}
	if strings.HasPrefix(cfg.ControllerPrefix, cfg.TopicPrefix) ||
		strings.HasPrefix(cfg.TopicPrefix, cfg.ControllerPrefix) {
		log.Fatalf("controller and entity topic prefixes overlap")
	}

	ctx, shutdown := context.WithCancel(context.Background())

	br := hktv2m.NewBridge(ctx, *dbPath)
	br.Server = cfg.Server
	br.Username = cfg.Username
	br.Password = cfg.Password
	br.ControllerPrefix = cfg.ControllerPrefix
	br.TopicPrefix = cfg.TopicPrefix
	br.DebugMode = *debugMode
	br.QuietMode = *quietMode
	hktv2m.DebugMode = *debugMode

	log.Println(versionStr)

	if err := br.LoadCachedDBs(); err != nil {
		log.Printf("cannot load cached attribute databases: %s", err)
	}

	err = br.ConnectMQTT()
	if err != nil {
		log.Printf("cannot connect to MQTT: %s", err)
		return
	}

	// listen for termination signals
	c := make(chan os.Signal, 1) // use `1` here to appease go vet: https://github.com/golang/go/issues/45604
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)
	go func() {
		<-c
		signal.Stop(c)
		shutdown()
	}()

	br.WaitConfigured()
	if br.NumEntities() == 0 {
		log.Println("no television services found yet; waiting for the controller daemon")
	}

	log.Println("hktv2m configured. serving entities...")

	err = br.Run()
	if err != nil && err != context.Canceled {
		log.Printf("error running bridge: %v", err)
	}
}
