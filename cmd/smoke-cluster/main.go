// Command smoke-cluster hammers a single resource from many workers and
// fails if two of them ever hold the lock at the same time. Nodes are
// embedded miniredis servers unless -nodes points at real ones; -kill stops
// that many embedded nodes halfway through the run.
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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/presets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	nodeList := flag.String("nodes", "", "Comma-separated Redis nodes (empty starts embedded nodes)")
	embedded := flag.Int("embedded", 5, "Number of embedded nodes")
	kill := flag.Int("kill", 1, "Embedded nodes to stop halfway through")
	workers := flag.Int("workers", 8, "Concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	ttl := flag.Duration("ttl", time.Second, "Lock TTL")
	hold := flag.Duration("hold", 5*time.Millisecond, "Time spent inside the critical section")
	port := flag.Int("port", 0, "Serve /metrics on this port (0 disables)")
	trace := flag.Bool("trace", false, "Export traces to stdout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	if *port > 0 {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("metrics listening on :%d", *port)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	var servers []*miniredis.Miniredis
	var addrs []presets.RedisOptions
	if *nodeList != "" {
		for _, a := range strings.Split(*nodeList, ",") {
			addrs = append(addrs, presets.RedisOptions{Addr: strings.TrimSpace(a)})
		}
	} else {
		for range *embedded {
			mr, err := miniredis.Run()
			if err != nil {
				log.Fatal(err)
			}
			servers = append(servers, mr)
			addrs = append(addrs, presets.RedisOptions{Addr: mr.Addr()})
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cluster, err := presets.NewRedis(ctx, addrs, presets.Options{
		TTL:                  *ttl,
		RetryDelay:           10 * time.Millisecond,
		ClearOnStartUp:       true,
		ClearOnShutDown:      true,
		BreakerThreshold:     3,
		BreakerTimeout:       time.Second,
		ReleaseNotifications: true,
		Logger:               logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("cluster ready: %d nodes, quorum %d", cluster.Nodes(), cluster.Quorum())

	if *kill > 0 && len(servers) > 0 {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*duration / 2):
			}
			for i := 0; i < *kill && i < len(servers); i++ {
				log.Printf("stopping node %s", servers[i].Addr())
				servers[i].Close()
			}
		}()
	}

	var (
		holders    atomic.Int32
		violations atomic.Int64
		acquired   atomic.Int64
		failed     atomic.Int64
		wg         sync.WaitGroup
	)
	for w := range *workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				err := cluster.WithLock(ctx, "smoke", func(context.Context) error {
					if n := holders.Add(1); n > 1 {
						violations.Add(1)
						log.Printf("worker %d: %d concurrent holders", w, n)
					}
					time.Sleep(*hold)
					holders.Add(-1)
					return nil
				}, lock.WithFailAfter(*ttl))
				switch {
				case err == nil:
					acquired.Add(1)
				case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				default:
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if err := cluster.Close(context.Background()); err != nil {
		log.Printf("close: %v", err)
	}
	for _, mr := range servers {
		mr.Close()
	}

	log.Printf("acquired=%d failed=%d violations=%d", acquired.Load(), failed.Load(), violations.Load())
	if violations.Load() > 0 {
		os.Exit(1)
	}
}
