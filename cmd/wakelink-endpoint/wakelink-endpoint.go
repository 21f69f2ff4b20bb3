package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"code.wakelink.org/golang/internal/endpoint"
	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/replay"
	"code.wakelink.org/golang/pkg/replay/boltdb"
)

const usageFmt = `
Command Usage: %s [Flags]
  Run a WakeLink endpoint agent. The agent answers signed encrypted commands
  on a local TCP port and, when -relay is set, over a relay session.

  The shared secret and the replay counter persist in the -state database.
  On first run provide the secret with -secret, later runs load it from the
  state database so token rotation survives restarts.

Flags:
------
`

type Cmd struct {
	EndpointID string
	Secret     string
	StatePath  string
	Listen     string
	WOLAddr    string
	RelayURL   string
	RelayToken string
	Debug      bool
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.EndpointID, "id", "", `endpoint identity, eg WL3F9A2C`)
	flags.StringVar(&cmd.Secret, "secret", os.Getenv("WAKELINK_SECRET"),
		`hex shared secret, defaults to $WAKELINK_SECRET, only needed on first run`)
	flags.StringVar(&cmd.StatePath, "state", "wakelink-state.db",
		`path of the boltdb file holding secret & replay counter`)
	flags.StringVar(&cmd.Listen, "listen", ":99", `local TCP address the agent answers on`)
	flags.StringVar(&cmd.WOLAddr, "wol", endpoint.DefaultWOLAddr,
		`wake on lan broadcast target`)
	flags.StringVar(&cmd.RelayURL, "relay", "", `relay base URL, no relay session when empty`)
	flags.StringVar(&cmd.RelayToken, "relay-token", os.Getenv("WAKELINK_API_TOKEN"),
		`relay API token, defaults to $WAKELINK_API_TOKEN`)
	flags.BoolVar(&cmd.Debug, "debug", false, `log at debug level`)

	flags.Parse(args)

	if "" == cmd.EndpointID {
		log.Fatalf("Missing -id")
	}

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])

	level := slog.LevelInfo
	if cmd.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	obs := &observability.Observability{Logger: logger}

	store, err := boltdb.New(cmd.StatePath)
	if nil != err {
		log.Fatalf("Failed opening state database, got error %v", err)
	}

	secret := loadSecret(store, cmd.Secret)
	keys, err := packet.DeriveKeys(secret)
	if nil != err {
		log.Fatalf("Failed deriving keys, got error %v", err)
	}

	guard, err := replay.NewGuard(store, logger)
	if nil != err {
		log.Fatalf("Failed replay guard setup, got error %v", err)
	}

	baseline, err := endpoint.NewBaseline(endpoint.BaselineConfig{
		EndpointID: cmd.EndpointID,
		Guard:      guard,
		Rotator:    store,
		WOLAddr:    cmd.WOLAddr,
	})
	if nil != err {
		log.Fatalf("Failed handler setup, got error %v", err)
	}
	table, err := baseline.Table()
	if nil != err {
		log.Fatalf("Failed command table setup, got error %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := endpoint.NewAgent(endpoint.AgentConfig{
		Codec:      packet.NewCodec(keys, cmd.EndpointID),
		Guard:      guard,
		Dispatcher: table,
		Scheduler:  baseline.Scheduler(),
		Restart: func() {
			// the supervisor restarts us with the rotated secret
			logger.Info("restart requested, exiting")
			stop()
		},
		Obs: obs,
	})
	if nil != err {
		log.Fatalf("Failed agent setup, got error %v", err)
	}

	listener, err := net.Listen("tcp", cmd.Listen)
	if nil != err {
		log.Fatalf("Failed listening on %s, got error %v", cmd.Listen, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Serve(ctx, listener)
	}()
	logger.Info("endpoint agent listening", "id", cmd.EndpointID, "addr", cmd.Listen)

	if "" != cmd.RelayURL {
		session, err := endpoint.NewCloudSession(endpoint.CloudConfig{
			URL:        cmd.RelayURL,
			EndpointID: cmd.EndpointID,
			APIToken:   cmd.RelayToken,
			Agent:      agent,
			Obs:        obs,
		})
		if nil != err {
			log.Fatalf("Failed relay session setup, got error %v", err)
		}
		go session.Run(ctx)
		logger.Info("relay session starting", "url", cmd.RelayURL)
	}

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	logger.Info("endpoint agent stopped")
}

// loadSecret returns the persisted secret, falling back on flagSecret which
// is then persisted for the next run.
func loadSecret(store *boltdb.StateStore, flagSecret string) []byte {
	secret, present, err := store.LoadSecret()
	if nil != err {
		log.Fatalf("Failed loading secret, got error %v", err)
	}
	if present {
		return secret
	}

	if "" == flagSecret {
		log.Fatalf("No secret in state database, provide one with -secret")
	}
	secret, err = hex.DecodeString(flagSecret)
	if nil != err {
		log.Fatalf("Failed decoding -secret, got error %v", err)
	}
	err = store.SaveSecret(secret)
	if nil != err {
		log.Fatalf("Failed persisting secret, got error %v", err)
	}
	return secret
}
