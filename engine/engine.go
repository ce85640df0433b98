// Package engine wires together metainfo, tracker, coordinator, and
// peerconn into one running download. It is grounded on
// original_source/async_torrent/src/engine/mod.rs's spawn_engine,
// translated from a detached tokio::JoinSet into a blocking sync.WaitGroup
// the caller can wait on directly.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lvbealr/leecher/coordinator"
	"github.com/lvbealr/leecher/layout"
	"github.com/lvbealr/leecher/metainfo"
	"github.com/lvbealr/leecher/peerconn"
	"github.com/lvbealr/leecher/progress"
	"github.com/lvbealr/leecher/tracker"
)

// Config carries the caller-supplied knobs for one download run.
type Config struct {
	OutputDir      string
	ListenPort     uint16
	MaxPeers       int
	CommandBacklog int // coordinator inbound channel size; spec.md §5 suggests 256
}

// defaults fills in zero-valued fields with spec.md's suggested values.
func (c Config) defaults() Config {
	if c.CommandBacklog == 0 {
		c.CommandBacklog = 256
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	return c
}

// Run preallocates the payload's files, announces to the tracker, and
// drives every peer connection to completion or to ctx's cancellation,
// whichever comes first. It returns once the coordinator reports every
// piece done, every peer worker has exited, or ctx is cancelled.
//
// A fatal write error from any worker (spec.md §7, IoError) cancels the
// whole run; Run returns that error rather than ErrNoPeers or a nil
// success, even if other pieces were still in flight.
func Run(ctx context.Context, desc *metainfo.Descriptor, cfg Config, events progress.Sink) error {
	cfg = cfg.defaults()

	fileLayout, err := layout.New(desc, cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("engine: preallocating files: %w", err)
	}
	defer fileLayout.Close()

	peerID := peerconn.GeneratePeerID()

	announceURLs := make([]string, 0, 1+len(desc.AnnounceList))
	if desc.Announce != "" {
		announceURLs = append(announceURLs, desc.Announce)
	}
	announceURLs = append(announceURLs, desc.AnnounceList...)

	resp, err := tracker.Announce(ctx, announceURLs, tracker.AnnounceRequest{
		InfoHash: desc.InfoHash,
		PeerID:   [20]byte(peerID),
		Port:     cfg.ListenPort,
		Left:     desc.TotalSize,
		NumWant:  cfg.MaxPeers,
	})
	if err != nil {
		return fmt.Errorf("engine: announce: %w", err)
	}

	peers := resp.Peers
	if len(peers) > cfg.MaxPeers {
		peers = peers[:cfg.MaxPeers]
	}

	coord := coordinator.New(desc.NumPieces, cfg.CommandBacklog)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var coordWG sync.WaitGroup
	coordWG.Add(1)
	go func() {
		defer coordWG.Done()
		coord.Run(runCtx)
	}()

	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	onFatalIO := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		log.Printf("[ERROR]\tfatal write error, aborting run: %v\n", err)
		cancel()
	}

	var workersWG sync.WaitGroup
	for _, p := range peers {
		addr := p.String()
		w := peerconn.New(addr, desc, coord, fileLayout, events, onFatalIO)

		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			w.Run(runCtx)
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		workersWG.Wait()
		close(workersDone)
	}()

	select {
	case <-coord.Done():
		log.Printf("[INFO]\tall %d pieces done\n", desc.NumPieces)
	case <-workersDone:
		log.Printf("[INFO]\tevery peer connection exited\n")
	case <-runCtx.Done():
	}

	cancel()
	workersWG.Wait()
	coord.Close()
	coordWG.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return fmt.Errorf("engine: %w", fatalErr)
	}

	select {
	case <-coord.Done():
		return nil
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("engine: no peer connections remained before completion")
	}
}
