package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"keke-agent/internal/chat"
	"keke-agent/internal/logging"
)

const promptFile = "initial.txt"

// Loader reads the instruction prompt of a chat: <dir>/<chat>/initial.txt
// when present, else <dir>/initial.txt. Results are cached until a file
// under dir changes.
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[chat.Name]string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: map[chat.Name]string{}}
}

// Load returns the prompt for name.
func (l *Loader) Load(name chat.Name) (string, error) {
	l.mu.RLock()
	text, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return text, nil
	}

	path := l.pathFor(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt for %q: %w", name, err)
	}
	text = string(raw)

	l.mu.Lock()
	l.cache[name] = text
	l.mu.Unlock()
	return text, nil
}

func (l *Loader) pathFor(name chat.Name) string {
	specific := filepath.Join(l.dir, string(name), promptFile)
	if _, err := os.Stat(specific); err == nil {
		return specific
	}
	return filepath.Join(l.dir, promptFile)
}

// Invalidate drops every cached prompt.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = map[chat.Name]string{}
	l.mu.Unlock()
}

// Watch invalidates the cache whenever a file under dir is written, created,
// renamed or removed, until ctx is done. Chat directories created after Watch
// started are picked up as they appear.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := l.addTree(w); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := w.Add(event.Name); err != nil {
							logging.Warnf("watch %s: %v", event.Name, err)
						}
					}
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					logging.Debugf("prompt change: %s", event)
					l.Invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warnf("prompt watcher: %v", err)
			}
		}
	}()
	return nil
}

func (l *Loader) addTree(w *fsnotify.Watcher) error {
	if _, err := os.Stat(l.dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("prompts directory %s does not exist", l.dir)
	}
	return filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
