// Package health implements the Health Checker (C2): a periodic
// liveness probe that promotes/demotes peers in the registry. The
// ticker/concurrent-independent-probes/missed-beat-counter shape is
// adapted from the teacher's internal/ha.Manager heartbeatLoop, dropping
// the teacher's DB persistence (the registry owns persistence here) and
// its active/standby promotion semantics.
package health

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loopsy-mesh/loopsyd/internal/peers"
)

const (
	interval        = 15 * time.Second
	probeTimeout    = 5 * time.Second
	offlineAfter    = 3
)

// OfflineFunc is invoked when a peer crosses the failure threshold,
// letting callers (e.g. the dashboard live monitor) react to churn.
type OfflineFunc func(nodeID string)

// Checker owns the background probe loop.
type Checker struct {
	registry *peers.Registry
	client   *http.Client
	onOffline OfflineFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a checker bound to registry. onOffline may be nil.
func New(registry *peers.Registry, onOffline OfflineFunc) *Checker {
	return &Checker{
		registry:  registry,
		client:    &http.Client{Timeout: probeTimeout},
		onOffline: onOffline,
		stop:      make(chan struct{}),
	}
}

// Start begins the 15-second probe loop in the background.
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the probe loop and waits for the in-flight tick to drain.
func (c *Checker) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Checker) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick probes every eligible peer concurrently; one peer's failure
// never blocks or affects another's probe (§4.2).
func (c *Checker) tick() {
	for _, p := range c.registry.GetAll() {
		if p.Status == peers.StatusOffline && p.FailureCount >= offlineAfter {
			continue
		}
		c.wg.Add(1)
		go c.probe(p)
	}
}

func (c *Checker) probe(p peers.Peer) {
	defer c.wg.Done()
	defer func() {
		// A single bad peer must never take down the tick loop.
		if r := recover(); r != nil {
			log.Printf("[health] recovered panic probing %s: %v", p.NodeID, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	url := "http://" + p.Address + ":" + strconv.Itoa(p.Port) + "/api/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.fail(p.NodeID)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp != nil {
			resp.Body.Close()
		}
		c.fail(p.NodeID)
		return
	}
	resp.Body.Close()
	c.registry.MarkOnline(p.NodeID)
}

func (c *Checker) fail(nodeID string) {
	count := c.registry.MarkFailure(nodeID)
	if count >= offlineAfter {
		c.registry.MarkOffline(nodeID)
		log.Printf("[health] peer %s marked offline (%d missed probes)", nodeID, count)
		if c.onOffline != nil {
			c.onOffline(nodeID)
		}
	}
}
