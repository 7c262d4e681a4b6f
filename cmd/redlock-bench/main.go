package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of lock/unlock cycles")
	nodes       = flag.Int("nodes", 5, "Number of in-memory nodes")
	keys        = flag.Int("k", 1000, "Number of distinct resources")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d cycles, %d concurrency, %d nodes, %d keys", *requests, *concurrency, *nodes, *keys)

	c, err := presets.NewInMemoryStandalone(*nodes, lock.WithDefaultTTL(10*time.Second))
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, contended, errorsCount atomic.Int64

	start := time.Now()
	perWorker := *requests / *concurrency

	for i := range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWorker {
				key := fmt.Sprintf("bench:%d", (i*perWorker+j)%*keys)
				lr, err := c.Lock(ctx, key, lock.WithFailAfter(time.Nanosecond))
				if err != nil {
					contended.Add(1)
					continue
				}
				if _, err := c.Unlock(ctx, lr); err != nil {
					errorsCount.Add(1)
				}
				ops.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	n := ops.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", float64(n)/elapsed.Seconds())
	if n > 0 {
		log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(n)*1e9)
	}
	if v := contended.Load(); v > 0 {
		log.Printf("Contended: %d", v)
	}
	if v := errorsCount.Load(); v > 0 {
		log.Printf("Errors: %d", v)
	}
}
