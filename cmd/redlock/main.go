// Command redlock runs a command while holding a Redlock lock across a set
// of Redis nodes, renewing it in the background and releasing it when the
// command exits.
//
//	redlock -nodes 10.0.0.1:6379,10.0.0.2:6379,10.0.0.3:6379 -key nightly-backup -- ./backup.sh
//
// Without a command the lock is held until the process is interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/presets"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
	nats "github.com/nats-io/nats.go"
)

var (
	nodes     = flag.String("nodes", "localhost:6379", "Comma-separated list of Redis nodes")
	password  = flag.String("password", "", "Redis password")
	key       = flag.String("key", "", "Lock key (required)")
	prefix    = flag.String("prefix", lock.DefaultPrefix, "Lock key prefix")
	ttl       = flag.Duration("ttl", 30*time.Second, "Lock TTL")
	retry     = flag.Duration("retry", lock.DefaultRetryDelay, "Delay between acquisition attempts")
	failAfter = flag.Duration("fail-after", 0, "Give up acquiring after this long (0 waits forever)")
	drift     = flag.Float64("drift", lock.DefaultDriftFactor, "Clock drift factor")
	busKind   = flag.String("bus", "redis", "Release notifications: redis, nats, kafka or none")
	busAddr   = flag.String("bus-addr", "", "NATS URL or comma-separated Kafka brokers for -bus")
	verbose   = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()
	if *key == "" {
		log.Fatal("redlock: -key is required")
	}
	if *ttl <= 0 {
		log.Fatal("redlock: -ttl must be positive")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var addrs []presets.RedisOptions
	for _, a := range strings.Split(*nodes, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, presets.RedisOptions{Addr: a, Password: *password, ClientName: "redlock-cli"})
		}
	}

	bus, closeBus, err := newBus(*busKind, *busAddr)
	if err != nil {
		log.Fatalf("redlock: %v", err)
	}

	cluster, err := presets.NewRedis(ctx, addrs, presets.Options{
		Prefix:               *prefix,
		TTL:                  *ttl,
		RetryDelay:           *retry,
		FailAfter:            *failAfter,
		DriftFactor:          *drift,
		ReleaseNotifications: *busKind == "redis",
		Bus:                  bus,
		Logger:               logger,
	})
	if err != nil {
		log.Fatalf("redlock: %v", err)
	}
	lr, err := cluster.Lock(ctx, *key)
	if err != nil {
		_ = cluster.Close(context.Background())
		closeBus()
		log.Fatalf("redlock: %v", err)
	}
	log.Printf("redlock: acquired %s (quorum %d/%d)", lr.Resource, cluster.Quorum(), cluster.Nodes())

	code := run(ctx, cluster, lr, flag.Args())
	if err := cluster.Close(context.Background()); err != nil {
		log.Printf("redlock: %v", err)
	}
	closeBus()
	os.Exit(code)
}

// newBus connects the release notification transport selected by kind.
// Redis pub/sub is set up by the preset itself.
func newBus(kind, addr string) (syncbus.Bus, func(), error) {
	noop := func() {}
	switch kind {
	case "redis", "none":
		return nil, noop, nil
	case "nats":
		if addr == "" {
			addr = nats.DefaultURL
		}
		conn, err := nats.Connect(addr, nats.Name("redlock-cli"))
		if err != nil {
			return nil, noop, err
		}
		return syncbus.NewNATSBus(conn), conn.Close, nil
	case "kafka":
		if addr == "" {
			addr = "localhost:9092"
		}
		cfg := sarama.NewConfig()
		cfg.ClientID = "redlock-cli"
		bus, err := syncbus.NewKafkaBus(strings.Split(addr, ","), cfg)
		if err != nil {
			return nil, noop, err
		}
		return bus, func() { _ = bus.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown bus %q", kind)
}

// run executes args while keeping lr alive and returns the exit code. The
// command is killed if the lock cannot be renewed.
func run(ctx context.Context, cluster *presets.Cluster, lr *lock.LockedResource, args []string) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan error, 1)
	go keepAlive(runCtx, cluster, lr, lost)

	code := 0
	if len(args) == 0 {
		select {
		case <-ctx.Done():
		case err := <-lost:
			log.Printf("redlock: lock lost: %v", err)
			code = 1
		}
	} else {
		cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := cmd.Start(); err != nil {
			log.Printf("redlock: %v", err)
			code = 127
		} else {
			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()
			select {
			case err := <-done:
				code = exitCode(err)
			case err := <-lost:
				log.Printf("redlock: lock lost, stopping command: %v", err)
				cancel()
				<-done
				code = 1
			}
		}
	}
	cancel()

	// renewals keep the token, so the original value still releases the lock
	if _, err := cluster.Unlock(context.Background(), lr); err != nil {
		log.Printf("redlock: %v", err)
	}
	return code
}

// keepAlive renews lr at a third of its TTL until ctx is done or a renewal
// fails.
func keepAlive(ctx context.Context, cluster *presets.Cluster, lr *lock.LockedResource, lost chan<- error) {
	ticker := time.NewTicker(*ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := cluster.Renew(ctx, lr, *ttl)
			if err != nil {
				if ctx.Err() == nil {
					lost <- err
				}
				return
			}
			lr = next
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}
