package image_manager

import (
	"fmt"
	"sort"
	"sync"
)

type EventKind int

const (
	// DownloadInProgress carries the queue size after a new download started.
	DownloadInProgress EventKind = iota
	// DownloadingFinished is raised when the download queue drains.
	DownloadingFinished
	// ImageUpdated asks renderers to query URL again and repaint.
	ImageUpdated
	// ImageCached reports a tile persisted by CacheImageToDisk.
	ImageCached
	// ImageDownloadFailed reports a permanent failure for URL.
	ImageDownloadFailed
)

func (k EventKind) String() string {
	switch k {
	case DownloadInProgress:
		return "download-in-progress"
	case DownloadingFinished:
		return "downloading-finished"
	case ImageUpdated:
		return "image-updated"
	case ImageCached:
		return "image-cached"
	case ImageDownloadFailed:
		return "image-download-failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind  EventKind
	URL   string
	Count int
	Err   error
}

// dispatcher delivers events in publish order from a single goroutine, so a
// slow subscriber never blocks the publisher.
type dispatcher struct {
	mu     sync.Mutex
	queue  []Event
	subs   map[uint64]func(Event)
	nextID uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs: make(map[uint64]func(Event)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil

		ids := make([]uint64, 0, len(d.subs))
		for id := range d.subs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		subs := make([]func(Event), len(ids))
		for i, id := range ids {
			subs[i] = d.subs[id]
		}
		d.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			for _, fn := range subs {
				fn(e)
			}
		}
	}
}

func (d *dispatcher) close() {
	close(d.done)
	d.wg.Wait()
}
