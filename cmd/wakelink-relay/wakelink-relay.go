package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"code.wakelink.org/golang/internal/observability"
	"code.wakelink.org/golang/internal/relay"
	"code.wakelink.org/golang/internal/relay/pgdb"
	"code.wakelink.org/golang/internal/relay/redisq"
)

const usageFmt = `
Command Usage: %s [Flags]
  Run the WakeLink relay, the blind rendezvous between controllers and
  endpoints. The relay verifies session tokens, never packet signatures.

Flags:
------
`

type Cmd struct {
	Listen      string
	APIToken    string
	PgDSN       string
	DbSchema    string
	RedisAddr   string
	Retention   time.Duration
	AuthTimeout time.Duration
	Migrate     bool
	SaveTokens  []string
	Debug       bool
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.Listen, "listen", ":8080", `address the relay listens on`)
	flags.StringVar(&cmd.APIToken, "token", os.Getenv("WAKELINK_API_TOKEN"),
		`shared API token, defaults to $WAKELINK_API_TOKEN`)
	flags.StringVar(&cmd.PgDSN, "pg", os.Getenv("WAKELINK_PG_DSN"),
		`postgres DSN for the token store, defaults to $WAKELINK_PG_DSN, in memory tokens when empty`)
	flags.StringVar(&cmd.DbSchema, "dbschema", "wakelink", `postgres schema holding relay tables`)
	flags.StringVar(&cmd.RedisAddr, "redis", "",
		`redis address for the pending queue, in memory queues when empty`)
	flags.DurationVar(&cmd.Retention, "retention", relay.DefaultRetention,
		`how long undelivered packets are kept`)
	flags.DurationVar(&cmd.AuthTimeout, "auth-timeout", relay.DefaultAuthTimeout,
		`budget for the websocket auth handshake`)
	flags.BoolVar(&cmd.Migrate, "migrate", false, `create the token store schema and exit`)
	flags.Func("save-token", `register a role:identity:token triple and exit, repeatable`,
		func(v string) error {
			if 3 != len(strings.SplitN(v, ":", 3)) {
				return fmt.Errorf("expected role:identity:token, got %q", v)
			}
			cmd.SaveTokens = append(cmd.SaveTokens, v)
			return nil
		})
	flags.BoolVar(&cmd.Debug, "debug", false, `log at debug level`)

	flags.Parse(args)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.Migrate {
		runMigrate(ctx, cmd)
		return
	}
	if 0 < len(cmd.SaveTokens) {
		runSaveTokens(ctx, cmd)
		return
	}

	if "" == cmd.APIToken && "" == cmd.PgDSN {
		log.Fatalf("Refusing to start without -token or -pg, the relay would accept nobody")
	}

	var tokens relay.TokenStore
	if "" != cmd.PgDSN {
		store, err := pgdb.NewTokenStore(ctx, cmd.PgDSN)
		if nil != err {
			log.Fatalf("Failed connecting token store, got error %v", err)
		}
		tokens = store
	} else {
		tokens = relay.NewMemTokenStore(cmd.APIToken)
	}

	var pending relay.PendingStore
	if "" != cmd.RedisAddr {
		store, err := redisq.NewPendingStore(
			redis.NewClient(&redis.Options{Addr: cmd.RedisAddr}),
			cmd.Retention,
		)
		if nil != err {
			log.Fatalf("Failed connecting pending store, got error %v", err)
		}
		pending = store
	} else {
		pending = relay.NewQueueSet(cmd.Retention)
	}

	server, err := relay.NewServer(relay.Config{
		Tokens:      tokens,
		Pending:     pending,
		AuthTimeout: cmd.AuthTimeout,
		Obs:         obs,
	})
	if nil != err {
		log.Fatalf("Failed relay setup, got error %v", err)
	}

	hsrv := &http.Server{
		Addr:              cmd.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hsrv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", cmd.Listen)
	err = hsrv.ListenAndServe()
	if nil != err && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed serving, got error %v", err)
	}
	logger.Info("relay stopped")
}

func runMigrate(ctx context.Context, cmd *Cmd) {
	if "" == cmd.PgDSN {
		log.Fatalf("Failed migration, -migrate requires -pg")
	}
	conn, err := pgx.Connect(ctx, cmd.PgDSN)
	if nil != err {
		log.Fatalf("Failed connecting to postgres, got error %v", err)
	}
	defer conn.Close(ctx)

	err = pgdb.TokenStoreMigrate(conn, cmd.DbSchema)
	if nil != err {
		log.Fatalf("Failed migration, got error %v", err)
	}
	fmt.Printf("schema %s ready\n", cmd.DbSchema)
}

func runSaveTokens(ctx context.Context, cmd *Cmd) {
	if "" == cmd.PgDSN {
		log.Fatalf("Failed saving tokens, -save-token requires -pg")
	}
	store, err := pgdb.NewTokenStore(ctx, cmd.PgDSN)
	if nil != err {
		log.Fatalf("Failed connecting token store, got error %v", err)
	}

	for _, triple := range cmd.SaveTokens {
		parts := strings.SplitN(triple, ":", 3)
		role := relay.Role(parts[0])
		if relay.RoleEndpoint != role && relay.RoleController != role {
			log.Fatalf("Failed saving token, unknown role %q", parts[0])
		}
		err = store.SaveToken(ctx, role, parts[1], parts[2])
		if nil != err {
			log.Fatalf("Failed saving token for %s %s, got error %v", parts[0], parts[1], err)
		}
		fmt.Printf("saved token for %s %s\n", parts[0], parts[1])
	}
}
