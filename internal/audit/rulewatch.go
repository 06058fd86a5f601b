// rulewatch.go hot-reloads the classification rule file. Editors and config
// management tools replace files via rename, so the watcher watches the
// directory and re-arms on create as well as write. A file that fails to
// parse is ignored and the classifier keeps the last good rule set.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher reloads a Classifier from a rule file whenever it changes.
type RuleWatcher struct {
	path       string
	classifier *Classifier
	watcher    *fsnotify.Watcher
	stopChan   chan struct{}
}

// NewRuleWatcher creates a watcher for the given rule file. The file must
// parse at construction time; a broken file on disk at startup is a
// configuration error, not something to silently skip.
func NewRuleWatcher(path string, classifier *Classifier) (*RuleWatcher, error) {
	rules, err := LoadRuleFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial rule file load: %w", err)
	}
	classifier.Reload(rules)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rule file directory: %w", err)
	}

	return &RuleWatcher{
		path:       path,
		classifier: classifier,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start processes file events until Stop is called or the context ends.
func (w *RuleWatcher) Start(ctx context.Context) {
	slog.Info("classification rule watcher started", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("rule watcher error", "error", err)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the watcher.
func (w *RuleWatcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
}

func (w *RuleWatcher) reload() {
	rules, err := LoadRuleFile(w.path)
	if err != nil {
		slog.Error("rule file reload failed, keeping previous rules",
			"path", w.path, "error", err)
		return
	}
	w.classifier.Reload(rules)
	slog.Info("classification rules reloaded",
		"path", w.path, "rules", len(rules.Rules), "escalations", len(rules.Escalations))
}
