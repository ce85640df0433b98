package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/lvbealr/leecher/engine"
	"github.com/lvbealr/leecher/metainfo"
	"github.com/lvbealr/leecher/progress"
)

func main() {
	var (
		outDir   = flag.String("out", ".", "directory to write the downloaded payload into")
		port     = flag.Uint("port", 6881, "port advertised to the tracker")
		maxPeers = flag.Int("max-peers", 50, "maximum number of peer connections to open")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path-to-torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), *outDir, uint16(*port), *maxPeers); err != nil {
		log.Fatalf("[FAIL]\t%v\n", err)
	}
}

func run(ctx context.Context, torrentPath, outDir string, port uint16, maxPeers int) error {
	desc, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent file: %w", err)
	}
	log.Printf("[INFO]\t%s: %d pieces, %d bytes total\n", desc.Name, desc.NumPieces, desc.TotalSize)

	events := progress.NewSink(256)

	done := make(chan struct{})
	go func() {
		defer close(done)
		consumeEvents(events, desc)
	}()

	err = engine.Run(ctx, desc, engine.Config{
		OutputDir:  outDir,
		ListenPort: port,
		MaxPeers:   maxPeers,
	}, events)

	close(events)
	<-done

	if err != nil {
		return err
	}

	fmt.Println(colorstring.Color("[green]download complete[reset]"))
	return nil
}

// consumeEvents renders a progress bar when stdout is a terminal and falls
// back to plain log lines otherwise, so piping the client's output never
// fills a log file with carriage-return spam.
func consumeEvents(events progress.Sink, desc *metainfo.Descriptor) {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	var bar *progressbar.ProgressBar
	if interactive {
		bar = progressbar.NewOptions(desc.NumPieces,
			progressbar.OptionSetDescription(colorstring.Color("[cyan]downloading[reset]")),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stdout) }),
		)
	}

	for ev := range events {
		switch ev.Kind {
		case progress.PieceCompleted:
			if bar != nil {
				bar.Add(1)
			} else {
				log.Printf("[INFO]\tpiece %d complete\n", ev.PieceIndex)
			}
		case progress.PeerUpdate:
			if !interactive {
				state := "unchoked"
				if ev.Choked {
					state = "choked"
				}
				log.Printf("[INFO]\tpeer %s: %s (%s)\n", ev.PeerID, ev.Task, state)
			}
		case progress.PeerDisconnected:
			if !interactive {
				log.Printf("[INFO]\tpeer %s: disconnected\n", ev.PeerID)
			}
		}
	}
}
