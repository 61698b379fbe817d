package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileTransport reads the configuration from a local JSON or YAML file.
type FileTransport struct {
	Path   string
	Logger *log.Entry
}

func (f *FileTransport) Fetch(ctx context.Context, _ Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadConfigurationFile(f.Path)
}

// ReadConfigurationFile returns the file as JSON, converting YAML files by extension.
func ReadConfigurationFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("no filepath string set")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml %s: %w", path, err)
		}
		return json.Marshal(doc)
	default:
		return raw, nil
	}
}

// Watch calls onChange whenever the file is written or replaced.
func (f *FileTransport) Watch(ctx context.Context, onChange func()) error {
	logger := f.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// watch the directory so that editors replacing the file by rename are seen
	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		return err
	}
	target := filepath.Clean(f.Path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				logger.Debugf("configuration file %s changed (%s)", f.Path, event.Op)
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err)
		}
	}
}
