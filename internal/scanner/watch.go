package scanner

import (
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce batches a burst of directory events into one rescan.
const debounce = 500 * time.Millisecond

// Watch triggers onChange whenever files appear in or disappear from the
// given local roots, debounced. It complements the interval rescan so new
// files show up without waiting a full cycle; nested directories of
// recursive sources are still covered by the interval alone. The returned
// stop function releases the watcher.
func Watch(roots []string, onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			log.Printf("[scanner] watch %s: %v", root, err)
		}
	}

	stopCh := make(chan struct{})
	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-stopCh:
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					fire = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[scanner] watcher: %v", err)
			case <-fire:
				timer = nil
				fire = nil
				onChange()
			}
		}
	}()

	return func() {
		close(stopCh)
		watcher.Close()
	}, nil
}
