package record

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a record directory must be quiet before a
// change to it is reported.
const DefaultDebounce = 2 * time.Second

// Watch reports the package ids of records under root whose directories
// change. Events for one record are debounced, so a burst of writes gives
// one id once things have been quiet for debounce. The returned channel is
// closed after ctx is cancelled.
func Watch(ctx context.Context, root string, debounce time.Duration) (<-chan string, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		root:     filepath.Clean(root),
		fw:       fw,
		debounce: debounce,
		out:      make(chan string, 256),
		timers:   make(map[string]*time.Timer),
	}
	if err := w.addTree(w.root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.run(ctx)
	return w.out, nil
}

type watcher struct {
	root     string
	fw       *fsnotify.Watcher
	debounce time.Duration
	out      chan string

	m      sync.Mutex // protects timers and closed
	timers map[string]*time.Timer
	closed bool
}

// addTree watches dir and every directory below it.
func (w *watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fw.Add(p)
		}
		return nil
	})
}

func (w *watcher) run(ctx context.Context) {
	defer func() {
		w.fw.Close()
		w.m.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.closed = true
		close(w.out)
		w.m.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Println("record watch:", err)
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Println("record watch:", event.Name, err)
			}
		}
	}
	pid := w.pidOf(event.Name)
	if pid == "" {
		return
	}
	w.m.Lock()
	defer w.m.Unlock()
	if t, ok := w.timers[pid]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[pid] = time.AfterFunc(w.debounce, func() { w.fire(pid) })
}

func (w *watcher) fire(pid string) {
	w.m.Lock()
	defer w.m.Unlock()
	delete(w.timers, pid)
	if w.closed {
		return
	}
	select {
	case w.out <- pid:
	default:
		log.Println("record watch: dropping change for", pid)
	}
}

// pidOf returns the first path component of p below the root.
func (w *watcher) pidOf(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	pid := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if !validPID(pid) {
		return ""
	}
	return pid
}
