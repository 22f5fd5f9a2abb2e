package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/workdeck-ai/workdeck/internal/logging"
)

// Watcher marks projects dirty when their files change outside of a
// turn, e.g. a user editing the workspace over SSH. Turns already mark
// dirty themselves; the watcher catches everything else.
type Watcher struct {
	m  *Manager
	fw *fsnotify.Watcher

	log zerolog.Logger
}

// NewWatcher creates a filesystem watcher over the manager's root.
func NewWatcher(m *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{m: m, fw: fw, log: logging.For("workspace.watcher")}

	if err := fw.Add(m.root); err != nil {
		fw.Close()
		return nil, err
	}
	// Pick up directories that already exist at startup.
	entries, err := os.ReadDir(m.root)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			w.addTree(filepath.Join(m.root, e.Name()))
		}
	}
	return w, nil
}

// Run processes filesystem events until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.m.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	projectID := parts[0]
	// Restore staging directories are not workspaces.
	if strings.HasPrefix(projectID, ".") {
		return
	}

	if len(parts) > 1 {
		// A change inside a project's tree.
		w.m.MarkDirty(projectID)
	}

	// New directories need their own watches; fsnotify is not
	// recursive.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
		}
	}
}

func (w *Watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if werr := w.fw.Add(path); werr != nil {
				w.log.Debug().Err(werr).Str("path", path).Msg("watch add failed")
			}
		}
		return nil
	})
	if err != nil {
		w.log.Debug().Err(err).Str("path", root).Msg("watch walk failed")
	}
}
