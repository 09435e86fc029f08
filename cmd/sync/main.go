// Command sync reconciles the route catalog with the Typesense index.
// It compares the canonical hash of the local route set with the hash
// stored in the collection and re-embeds only on drift. Intended as a
// one-shot job (CI step or k8s Job); the api server runs the same
// reconciliation at startup.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/semroute/semroute/engine/catalog"
	"github.com/semroute/semroute/engine/encoder"
	"github.com/semroute/semroute/engine/index"
	"github.com/semroute/semroute/engine/router"
)

func main() {
	drop := flag.Bool("drop", false, "delete the collection before syncing")
	force := flag.Bool("force", false, "re-index even when the stored hash matches")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	idx := index.New(index.Options{}, logger)

	enc, err := encoder.New(encoder.Options{}, logger)
	if err != nil {
		log.Fatalf("encoder: %v", err)
	}

	routes := catalog.Routes()
	rtr, err := router.New(enc, idx, routes, router.DefaultOptions(), logger)
	if err != nil {
		log.Fatalf("router: %v", err)
	}

	if *drop {
		if err := idx.DeleteIndex(ctx); err != nil {
			log.Fatalf("drop collection: %v", err)
		}
		log.Printf("collection dropped")
	}

	changed, err := rtr.Sync(ctx, *force)
	if err != nil {
		log.Fatalf("sync: %v", err)
	}
	if !changed {
		log.Printf("index up to date (hash %s), nothing to do", catalog.Hash(routes)[:12])
		return
	}

	log.Printf("re-indexed %d routes, %d vectors in collection", len(routes), idx.Len(ctx))
}
