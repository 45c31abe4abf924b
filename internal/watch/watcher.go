package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// HandleFunc processes one settled audio file. It is called at most once per
// path for the lifetime of a Watcher.
type HandleFunc func(ctx context.Context, path string) error

var audioExts = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".mp4":  true,
	".flac": true,
}

// IsAudio reports whether path has an extension the watcher picks up.
func IsAudio(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}

type Options struct {
	Dir      string
	Debounce time.Duration // quiet period after the last write before a file is handled
	Workers  int
	Backfill bool // handle files already present at start
	Log      zerolog.Logger
}

// Watcher monitors an inbox directory and hands each new audio file to a
// HandleFunc once writes to it have stopped.
type Watcher struct {
	opts   Options
	handle HandleFunc
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	work    chan string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	seenMu sync.Mutex
	seen   map[string]struct{}

	filesProcessed atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

func New(opts Options, handle HandleFunc) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	w := &Watcher{
		opts:           opts,
		handle:         handle,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		work:           make(chan string, 64),
		debounceTimers: make(map[string]*time.Timer),
		seen:           make(map[string]struct{}),
	}
	w.status.Store("starting")
	return w
}

// Start watches the inbox and, if enabled, queues the files already there.
// Processing stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.opts.Dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	w.log.Info().
		Str("watch_dir", w.opts.Dir).
		Int("workers", w.opts.Workers).
		Dur("debounce", w.opts.Debounce).
		Msg("inbox watcher initialized")

	go w.watchLoop()

	if w.opts.Backfill {
		go w.backfill()
	} else {
		w.status.Store("watching")
	}
	return nil
}

// Stop closes the watcher and waits for in-flight files to finish.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()
	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_failed", w.filesFailed.Load()).
		Msg("inbox watcher stopped")
}

// Status returns "starting", "backfilling", "watching" or "stopped".
func (w *Watcher) Status() string {
	s, _ := w.status.Load().(string)
	return s
}

// Processed returns the number of files handled without error.
func (w *Watcher) Processed() int64 { return w.filesProcessed.Load() }

// Failed returns the number of files whose handler returned an error.
func (w *Watcher) Failed() int64 { return w.filesFailed.Load() }

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !IsAudio(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces a path so a file still being copied into the
// inbox is only queued once it has been quiet for the debounce period.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.enqueue(path)
	})
}

func (w *Watcher) enqueue(path string) {
	if !w.markSeen(path) {
		return
	}
	select {
	case <-w.ctx.Done():
	case w.work <- path:
	}
}

func (w *Watcher) markSeen(path string) bool {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if _, ok := w.seen[path]; ok {
		return false
	}
	w.seen[path] = struct{}{}
	return true
}

func (w *Watcher) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case path := <-w.work:
			w.process(path)
		}
	}
}

func (w *Watcher) process(path string) {
	if _, err := os.Stat(path); err != nil {
		w.log.Debug().Str("path", path).Msg("file vanished before processing")
		return
	}
	log := w.log.With().Str("path", path).Logger()
	log.Info().Msg("processing inbox file")
	start := time.Now()
	if err := w.handle(w.ctx, path); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("processing interrupted by shutdown")
			return
		}
		w.filesFailed.Add(1)
		log.Warn().Err(err).Msg("failed to process inbox file")
		return
	}
	w.filesProcessed.Add(1)
	log.Info().Dur("elapsed", time.Since(start)).Msg("inbox file processed")
}

// backfill queues audio files already in the inbox, oldest first.
func (w *Watcher) backfill() {
	w.status.Store("backfilling")

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	_ = filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if path != w.opts.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsAudio(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	w.log.Info().Int("files", len(files)).Msg("backfill starting")

	for _, f := range files {
		if w.ctx.Err() != nil {
			w.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		w.enqueue(f.path)
	}

	if w.Status() == "backfilling" {
		w.status.Store("watching")
	}
	w.log.Info().Int("files", len(files)).Msg("backfill queued")
}
