package sift

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AttachmentStore indexes the blob directory that the external upload service
// writes captured files into. Each blob is named by its fileId; the store
// resolves app:fileId bag entries to download URLs and keeps the index fresh
// by watching the directory, since uploads land out-of-band.
type AttachmentStore struct {
	dir       string
	mu        sync.RWMutex
	index     map[string]Attachment
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

type Attachment struct {
	FileID  string `json:"fileId"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

func NewAttachmentStore(dir string) (*AttachmentStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("attachment dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	a := &AttachmentStore{
		dir:     dir,
		index:   map[string]Attachment{},
		watcher: watcher,
		done:    make(chan struct{}),
	}
	if err := a.rescan(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go a.watchLoop()
	return a, nil
}

func (a *AttachmentStore) Resolve(fileID string) (Attachment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	attachment, ok := a.index[fileID]
	return attachment, ok
}

// DownloadURL is the pointer written into app:downloadUrl. It is a server
// path, not a signed URL; serving happens in the HTTP layer.
func (a *AttachmentStore) DownloadURL(fileID string) string {
	return "/v1/attachments/" + fileID
}

func (a *AttachmentStore) Open(fileID string) (*os.File, error) {
	attachment, ok := a.Resolve(fileID)
	if !ok {
		return nil, ErrNotFound
	}
	return os.Open(attachment.Path)
}

func (a *AttachmentStore) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.watcher.Close()
	})
	return err
}

func (a *AttachmentStore) rescan() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index = map[string]Attachment{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		a.index[entry.Name()] = Attachment{
			FileID:  entry.Name(),
			Path:    filepath.Join(a.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339Nano),
		}
	}
	return nil
}

func (a *AttachmentStore) watchLoop() {
	for {
		select {
		case <-a.done:
			return
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.handleEvent(event)
		case _, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (a *AttachmentStore) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if name == "" || strings.HasPrefix(name, ".") {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		a.mu.Lock()
		a.index[name] = Attachment{
			FileID:  name,
			Path:    event.Name,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339Nano),
		}
		a.mu.Unlock()
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		a.mu.Lock()
		delete(a.index, name)
		a.mu.Unlock()
	}
}
