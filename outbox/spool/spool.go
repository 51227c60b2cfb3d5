// Package spool hands relayed notifications to other processes through a
// directory. Every envelope becomes one file; consumers watch the directory
// and delete a file once it was handled.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/outbox"
)

const (
	ext    = ".json"
	tmpExt = ".tmp"
)

// Handler processes one spooled envelope. A non nil error keeps the file for
// a later attempt.
type Handler func(ctx context.Context, env *es.Envelope) error

// Option configures a Spool.
type Option func(*Spool)

// WithLogger sets the logger used for files that cannot be read or handled.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Spool) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSerializer decodes the Event of every envelope before it reaches the
// handler. Envelopes of unknown types are handed over undecoded.
func WithSerializer(serializer es.Serializer) Option {
	return func(s *Spool) {
		s.serializer = serializer
	}
}

// Spool is an outbox.Sink writing into a directory.
type Spool struct {
	dir        string
	logger     *logrus.Entry
	serializer es.Serializer

	// serializes handling so a file seen twice is processed once
	mu sync.Mutex
}

var _ outbox.Sink = (*Spool)(nil)

// New returns a Spool over dir, creating it when needed.
func New(dir string, opts ...Option) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	s := &Spool{
		dir:    dir,
		logger: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Send writes env atomically. Files are named after the global version so a
// directory listing is in relay order.
func (s *Spool) Send(ctx context.Context, env *es.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := outbox.Encode(env)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%020d-%s%s", env.GlobalVersion, env.EventID, ext))
	tmp := path + tmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return es.WrapStoreError("spool write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return es.WrapStoreError("spool rename", err)
	}
	return nil
}

// Pending returns the spooled files not yet handled, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(s.dir, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

// Watch hands every spooled envelope to fn until ctx is done. Files already
// present are processed first, so a consumer that crashed picks up where it
// stopped. Handled files are removed.
func (s *Spool) Watch(ctx context.Context, fn Handler) error {
	if fn == nil {
		return errors.New("spool watch: handler required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool watch: %w", err)
	}
	defer watcher.Close()

	// watch before the first scan so no file written in between is missed
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("spool watch %s: %w", s.dir, err)
	}

	s.Drain(ctx, fn)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ext) {
				continue
			}
			s.process(ctx, fn, ev.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithField("dir", s.dir).WithError(err).Warn("spool watcher error")
			// events may have been dropped
			s.Drain(ctx, fn)
		}
	}
}

// Drain handles every file currently in the spool and returns how many were
// handled successfully.
func (s *Spool) Drain(ctx context.Context, fn Handler) int {
	files, err := s.Pending()
	if err != nil {
		s.logger.WithField("dir", s.dir).WithError(err).Warn("spool scan failed")
		return 0
	}
	n := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if s.process(ctx, fn, path) {
			n++
		}
	}
	return n
}

func (s *Spool) process(ctx context.Context, fn Handler, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// handled already
		return false
	}
	log := s.logger.WithField("file", filepath.Base(path))
	if err != nil {
		log.WithError(err).Warn("spool read failed")
		return false
	}

	env, err := outbox.Decode(data)
	if err != nil {
		// never retried
		log.WithError(err).Error("dropping undecodable spool file")
		_ = os.Remove(path)
		return false
	}
	if s.serializer != nil {
		if ev, err := s.serializer.Unmarshal(env.Payload, env.EventType); err == nil {
			env.Event = ev
		}
	}

	if err := fn(es.WithLog(ctx, es.NotificationLog), env); err != nil {
		log.WithError(err).Warn("spool handler failed, keeping file")
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("spool cleanup failed")
	}
	return true
}
