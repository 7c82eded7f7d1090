// Package metascan makes sure every print file shipped in the lister
// printables folder has parsed metadata with thumbnails
package metascan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// EventScanComplete is sent after every full pass
const EventScanComplete = "lister_metadata_scan:scan_complete"

var gcodeExts = []string{".gcode", ".g", ".gco"}

// MetadataStore reads and (re)builds file metadata. Filenames are relative
// to the gcodes root.
type MetadataStore interface {
	RootPath(ctx context.Context, root string) (string, error)
	Metadata(ctx context.Context, filename string) (map[string]any, error)
	Metascan(ctx context.Context, filename string) (map[string]any, error)
}

// Notifier delivers notifications to connected clients
type Notifier interface {
	Notify(event string, payload any)
}

// Options configures a Scanner
type Options struct {
	// Directory is the printables folder relative to the gcodes root
	Directory string
	// GcodesRoot overrides the root path reported by the store
	GcodesRoot string
	// Delay before the scan that follows HandleReady
	Delay time.Duration
}

// Result summarizes one pass
type Result struct {
	Scanned int      `json:"scanned"`
	Skipped int      `json:"skipped"`
	Failed  []string `json:"failed"`
}

// Scanner walks the printables folder
type Scanner struct {
	opts     Options
	store    MetadataStore
	notifier Notifier
	log      hclog.Logger

	// serializes per-file work like the single sync lock of a metadata store
	fileMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scanner
func New(opts Options, store MetadataStore, notifier Notifier, logger hclog.Logger) *Scanner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Directory == "" {
		opts.Directory = "lister_printables"
	}
	return &Scanner{opts: opts, store: store, notifier: notifier, log: logger}
}

// HandleReady schedules a scan after the configured delay. A scheduled scan
// that has not finished yet is cancelled first.
func (s *Scanner) HandleReady(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.opts.Delay):
		case <-ctx.Done():
			return
		}
		if _, err := s.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("error during metadata scan", "error", err)
		}
	}()
}

// Close cancels any scheduled or running scan and waits for it
func (s *Scanner) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Scan runs one pass over the printables folder. A missing folder is not an
// error and does not notify.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result

	root := s.opts.GcodesRoot
	if root == "" {
		r, err := s.store.RootPath(ctx, "gcodes")
		if err != nil {
			return res, fmt.Errorf("resolve gcodes root: %w", err)
		}
		root = r
	}
	dir := filepath.Join(root, s.opts.Directory)
	s.log.Info("starting metadata scan", "dir", dir)

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		s.log.Info("directory does not exist, skipping metadata scan", "dir", dir)
		return res, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("cannot read path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isGcode(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		scanned, err := s.scanFile(ctx, rel)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, rel)
		case scanned:
			res.Scanned++
		default:
			res.Skipped++
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	s.log.Info("metadata scan completed", "scanned", res.Scanned, "skipped", res.Skipped, "failed", len(res.Failed))
	if s.notifier != nil {
		s.notifier.Notify(EventScanComplete, nil)
	}
	return res, nil
}

// scanFile returns true when a metascan was run for the file
func (s *Scanner) scanFile(ctx context.Context, rel string) (bool, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.log.Debug("scanning metadata", "file", rel)
	existing, err := s.store.Metadata(ctx, rel)
	if err != nil {
		s.log.Error("error reading metadata", "file", rel, "error", err)
		return false, err
	}
	if hasThumbnails(existing) {
		s.log.Debug("valid metadata already exists", "file", rel)
		return false, nil
	}

	if _, err := s.store.Metascan(ctx, rel); err != nil {
		s.log.Error("error scanning metadata", "file", rel, "error", err)
		return true, err
	}

	md, err := s.store.Metadata(ctx, rel)
	if err != nil || md == nil {
		s.log.Warn("failed to parse metadata", "file", rel)
		if err == nil {
			err = fmt.Errorf("no metadata for %s", rel)
		}
		return true, err
	}
	s.log.Info("scanned metadata", "file", rel)
	return true, nil
}

func isGcode(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range gcodeExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func hasThumbnails(md map[string]any) bool {
	if md == nil {
		return false
	}
	switch t := md["thumbnails"].(type) {
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case nil:
		return false
	default:
		return true
	}
}
