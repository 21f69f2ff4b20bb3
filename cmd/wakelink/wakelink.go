package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"code.wakelink.org/golang/internal/controller"
	"code.wakelink.org/golang/pkg/packet"
)

const usageFmt = `
Command Usage: %s [Flags] command [key=value ...]
  Send one signed encrypted command to a WakeLink endpoint and print the
  reply. Built-in commands include ping, info, wake mac=..., counter_info,
  reset_counter, rotate_token, restart and maintenance action=....

Flags:
------
`

type Cmd struct {
	Transport string
	Addr      string
	RelayURL  string
	APIToken  string
	Endpoint  string
	Secret    string
	Timeout   time.Duration
	Command   string
	Data      map[string]string
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{Data: map[string]string{}}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.Transport, "t", "direct", `transport, one of direct, relay, live`)
	flags.StringVar(&cmd.Addr, "addr", "", `endpoint TCP address for the direct transport, eg 192.168.1.50:99`)
	flags.StringVar(&cmd.RelayURL, "relay", os.Getenv("WAKELINK_RELAY_URL"),
		`relay base URL, defaults to $WAKELINK_RELAY_URL`)
	flags.StringVar(&cmd.APIToken, "token", os.Getenv("WAKELINK_API_TOKEN"),
		`relay API token, defaults to $WAKELINK_API_TOKEN`)
	flags.StringVar(&cmd.Endpoint, "id", "", `endpoint identity, eg WL3F9A2C`)
	flags.StringVar(&cmd.Secret, "secret", os.Getenv("WAKELINK_SECRET"),
		`hex shared secret, defaults to $WAKELINK_SECRET`)
	flags.DurationVar(&cmd.Timeout, "timeout", 30*time.Second, `reply budget`)

	flags.Parse(args)

	rest := flags.Args()
	if 0 == len(rest) {
		flags.Usage()
		os.Exit(2)
	}
	cmd.Command = rest[0]
	for _, kv := range rest[1:] {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			log.Fatalf("Invalid argument %q, expected key=value", kv)
		}
		cmd.Data[key] = value
	}

	if "" == cmd.Endpoint {
		log.Fatalf("Missing -id")
	}
	if "" == cmd.Secret {
		log.Fatalf("Missing -secret")
	}

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])

	secret, err := hex.DecodeString(cmd.Secret)
	if nil != err {
		log.Fatalf("Failed decoding -secret, got error %v", err)
	}

	client, err := controller.NewClient(secret, cmd.Endpoint, nil)
	if nil != err {
		log.Fatalf("Failed client setup, got error %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	msg := packet.Message{Command: cmd.Command, Data: cmd.Data}
	relayCfg := controller.RelayConfig{URL: cmd.RelayURL, APIToken: cmd.APIToken}

	var reply packet.Reply
	switch cmd.Transport {
	case "direct":
		if "" == cmd.Addr {
			log.Fatalf("Missing -addr for the direct transport")
		}
		reply, err = client.SendDirect(ctx, cmd.Addr, msg)
	case "relay":
		reply, err = client.SendRelay(ctx, relayCfg, msg)
	case "live":
		reply, err = client.SendLive(ctx, relayCfg, msg)
	default:
		log.Fatalf("Unknown transport %q, expected direct, relay or live", cmd.Transport)
	}
	if nil != err {
		log.Fatalf("Failed %s command, got error %v", cmd.Command, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	err = enc.Encode(reply)
	if nil != err {
		log.Fatalf("Failed printing reply, got error %v", err)
	}

	if "error" == reply.Status() {
		os.Exit(1)
	}
}
