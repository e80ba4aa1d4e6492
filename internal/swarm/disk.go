package swarm

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type diskJob struct {
	key  blockKey
	data []byte
}

// diskPool writes and hashes blocks off the event loop.
type diskPool struct {
	store   Store
	workers int
	jobs    chan diskJob
}

func newDiskPool(store Store, workers int) *diskPool {
	return &diskPool{store: store, workers: workers, jobs: make(chan diskJob, workers*64)}
}

// submit queues j, reporting false when the queue is full.
func (d *diskPool) submit(j diskJob) bool {
	select {
	case d.jobs <- j:
		return true
	default:
		return false
	}
}

func (d *diskPool) run(ctx context.Context, g *errgroup.Group, post func(event) bool) {
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-d.jobs:
					verified, err := d.store.StoreBlock(j.key.piece, int64(j.key.begin), j.data)
					if !post(storedEvent{key: j.key, verified: verified, err: err}) {
						return nil
					}
				}
			}
		})
	}
}
