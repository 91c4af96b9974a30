package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Asset is one cached static file.
type Asset struct {
	Data        []byte
	ContentType string
}

// StaticCache serves files under the configured prefix rules from an
// in-memory cache. With hot reload enabled an fsnotify watcher evicts
// entries when the underlying file changes on disk.
type StaticCache struct {
	root  string
	rules []StaticRule

	mu    sync.RWMutex
	cache map[string]*Asset // url path -> asset

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewStaticCache(root string, rules []StaticRule, hotReload bool) (*StaticCache, error) {
	sc := &StaticCache{
		root:  root,
		rules: rules,
		cache: make(map[string]*Asset),
	}

	if hotReload {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		sc.watcher = w
		sc.done = make(chan struct{})

		for _, rule := range rules {
			if rule.Dir == "" {
				continue
			}
			dir := filepath.Join(root, rule.Dir)
			if err := w.Add(dir); err != nil {
				log.Printf("[static] watch %s: %v", dir, err)
			}
		}
		go sc.watchLoop()
	}

	return sc, nil
}

func (sc *StaticCache) watchLoop() {
	for {
		select {
		case ev, ok := <-sc.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sc.Invalidate(ev.Name)
			}
		case err, ok := <-sc.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[static] watcher error: %v", err)
		case <-sc.done:
			return
		}
	}
}

// Invalidate drops every cached entry whose file lives at the given
// filesystem path.
func (sc *StaticCache) Invalidate(fsPath string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for urlPath := range sc.cache {
		if p, ok := sc.resolve(urlPath); ok && p == fsPath {
			delete(sc.cache, urlPath)
		}
	}
}

func (sc *StaticCache) Close() {
	if sc.watcher != nil {
		close(sc.done)
		_ = sc.watcher.Close()
	}
}

// Matches reports whether any static rule claims the url path.
func (sc *StaticCache) Matches(urlPath string) bool {
	for _, rule := range sc.rules {
		if rule.Dir == "" {
			continue
		}
		if strings.HasPrefix(urlPath, rule.Prefix) {
			return true
		}
	}
	return false
}

// resolve maps a url path to the filesystem path, refusing anything
// that would escape the rule's directory.
func (sc *StaticCache) resolve(urlPath string) (string, bool) {
	for _, rule := range sc.rules {
		if rule.Dir == "" || !strings.HasPrefix(urlPath, rule.Prefix) {
			continue
		}
		rel := strings.TrimPrefix(urlPath, rule.Prefix)
		rel = filepath.Clean("/" + rel)
		if strings.Contains(rel, "..") {
			return "", false
		}
		return filepath.Join(sc.root, rule.Dir, rel), true
	}
	return "", false
}

// Lookup returns the cached asset for the url path, loading it from
// disk on a miss.
func (sc *StaticCache) Lookup(urlPath string) (*Asset, bool) {
	sc.mu.RLock()
	a, ok := sc.cache[urlPath]
	sc.mu.RUnlock()
	if ok {
		return a, true
	}

	fsPath, ok := sc.resolve(urlPath)
	if !ok {
		return nil, false
	}

	info, err := os.Stat(fsPath)
	if err != nil || info.IsDir() {
		return nil, false
	}
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, false
	}

	a = &Asset{
		Data:        data,
		ContentType: contentTypeFor(fsPath),
	}
	sc.mu.Lock()
	sc.cache[urlPath] = a
	sc.mu.Unlock()
	return a, true
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".ico":
		return "image/x-icon"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".woff2":
		return "font/woff2"
	default:
		return "application/octet-stream"
	}
}
