package humanq

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// pollFallbackInterval drives the directory scan when fsnotify is
// unavailable or its error channel fires.
const pollFallbackInterval = 2 * time.Second

// Watch registers a handler for queue change events and returns its
// unsubscribe function. The first subscriber starts a single directory
// watcher; the last unsubscribe stops it. Handlers run on one
// serialized notification goroutine with a snapshot of the handler set
// taken per dispatch, so subscribing or unsubscribing from inside a
// handler never interferes with the current delivery.
func (q *Queue) Watch(handler Handler) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.handlers[id] = handler
	if q.watcher == nil {
		q.watcher = newDirWatcher(q)
		q.watcher.start()
	}
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.handlers, id)
			var stop *dirWatcher
			if len(q.handlers) == 0 && q.watcher != nil {
				stop = q.watcher
				q.watcher = nil
			}
			q.mu.Unlock()
			if stop != nil {
				stop.stop()
			}
		})
	}
}

func (q *Queue) dispatch(ev Event) {
	q.mu.Lock()
	snapshot := make([]Handler, 0, len(q.handlers))
	for _, h := range q.handlers {
		snapshot = append(snapshot, h)
	}
	q.mu.Unlock()
	for _, h := range snapshot {
		h(ev)
	}
}

// dirWatcher turns raw filesystem notifications on the two queue
// directories into queue Events. On WatcherError it degrades to
// periodic scanning and keeps delivering.
type dirWatcher struct {
	queue *Queue
	done  chan struct{}
	wg    sync.WaitGroup
	fsw   *fsnotify.Watcher // nil means polling mode

	// known record statuses, used to classify events and to diff scans
	// in polling mode: path → last seen status
	seen map[string]string
}

func newDirWatcher(q *Queue) *dirWatcher {
	return &dirWatcher{
		queue: q,
		done:  make(chan struct{}),
		seen:  make(map[string]string),
	}
}

// start arms fsnotify on both directories and runs the baseline scan
// before it returns, so a record written any time after Watch() returns
// is guaranteed to surface either in the baseline or as an event.
func (w *dirWatcher) start() {
	if fsw, err := fsnotify.NewWatcher(); err != nil {
		w.queue.log.Warn("fsnotify unavailable, polling instead", zap.Error(err))
	} else {
		w.fsw = fsw
		for _, dir := range []string{w.queue.questionsDir, w.queue.interjectionsDir} {
			if err := fsw.Add(dir); err != nil {
				w.queue.log.Warn("cannot watch queue dir, polling instead",
					zap.String("dir", dir), zap.Error(err))
				fsw.Close()
				w.fsw = nil
				break
			}
		}
	}

	// baseline so pre-existing records do not fire "added"
	w.scan(false)

	w.wg.Add(1)
	go w.run()
}

func (w *dirWatcher) stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *dirWatcher) run() {
	defer w.wg.Done()

	if w.fsw == nil {
		w.poll()
		return
	}
	defer w.fsw.Close()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.poll()
				return
			}
			w.handleFsEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if ok && err != nil {
				w.queue.log.Warn("watcher error, degrading to polling", zap.Error(err))
			}
			w.poll()
			return
		}
	}
}

func (w *dirWatcher) poll() {
	ticker := time.NewTicker(pollFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.scan(true)
		}
	}
}

func (w *dirWatcher) handleFsEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	id := strings.TrimSuffix(name, ".json")

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		delete(w.seen, ev.Name)
		w.queue.dispatch(Event{Type: deletedType(id), ID: id})
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		w.classify(ev.Name, id, true)
	}
}

// scan diffs the directories against the seen map, used both for the
// startup baseline (emit=false) and for polling mode.
func (w *dirWatcher) scan(emit bool) {
	present := make(map[string]bool)
	for _, dir := range []string{w.queue.questionsDir, w.queue.interjectionsDir} {
		_ = w.queue.scanDir(dir, func(id string) {
			path := filepath.Join(dir, id+".json")
			present[path] = true
			w.classify(path, id, emit)
		})
	}
	for path := range w.seen {
		if present[path] {
			continue
		}
		delete(w.seen, path)
		if emit {
			id := strings.TrimSuffix(filepath.Base(path), ".json")
			w.queue.dispatch(Event{Type: deletedType(id), ID: id})
		}
	}
}

// classify reads the record, diffs its status against the seen map,
// and dispatches the corresponding event when emit is set.
func (w *dirWatcher) classify(path, id string, emit bool) {
	isQuestion := strings.HasPrefix(filepath.Base(filepath.Dir(path)), questionsDirName)

	var status string
	var ev Event
	if isQuestion {
		record, _ := w.queue.GetQuestion(id)
		if record == nil {
			return // rename race; a follow-up event will resolve it
		}
		status = record.Status
		ev = Event{ID: id, Question: record}
		if status == QuestionAnswered {
			ev.Type = EventQuestionAnswered
		} else {
			ev.Type = EventQuestionAdded
		}
	} else {
		record, _ := w.queue.GetInterjection(id)
		if record == nil {
			return
		}
		status = record.Status
		ev = Event{ID: id, Interjection: record}
		switch status {
		case InterjectionResumed:
			ev.Type = EventInterjectionResumed
		case InterjectionDismissed:
			ev.Type = EventInterjectionDismissed
		default:
			ev.Type = EventInterjectionAdded
		}
	}

	if w.seen[path] == status {
		return // no visible change
	}
	w.seen[path] = status
	if emit {
		w.queue.dispatch(ev)
	}
}

func deletedType(id string) EventType {
	if strings.HasPrefix(id, "i-") {
		return EventInterjectionDeleted
	}
	return EventQuestionDeleted
}
