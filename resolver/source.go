package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/valri11/proofgate/structval"
)

// Source yields the file layer of a resolution.
type Source interface {
	Load(ctx context.Context) (structval.Value, error)
}

// FileSource reads the config file. By default the first successful parse
// is cached and served until Invalidate is called; with Reload set the file
// is read and parsed on every Load.
type FileSource struct {
	Path   string
	Reload bool

	logger *zap.Logger
	mx     sync.RWMutex
	cached *structval.Value
	// generation counts invalidations; a read only fills the cache when
	// no invalidation happened while it was in progress
	generation uint64
}

func NewFileSource(path string, reload bool, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		Path:   path,
		Reload: reload,
		logger: logger,
	}
}

func (fs *FileSource) Load(ctx context.Context) (structval.Value, error) {
	fs.mx.RLock()
	cached, generation := fs.cached, fs.generation
	fs.mx.RUnlock()
	if !fs.Reload && cached != nil {
		return *cached, nil
	}

	if err := ctx.Err(); err != nil {
		return structval.Value{}, err
	}

	v, err := readConfigFile(fs.Path)
	if err != nil {
		return structval.Value{}, err
	}

	if !fs.Reload {
		fs.mx.Lock()
		if fs.generation == generation {
			fs.cached = &v
		}
		fs.mx.Unlock()
	}
	fs.logger.Debug("config file loaded", zap.String("path", fs.Path), zap.Bool("reload", fs.Reload))

	return v, nil
}

// Invalidate drops the cached file layer; the next Load reads the file.
func (fs *FileSource) Invalidate() {
	fs.mx.Lock()
	fs.cached = nil
	fs.generation++
	fs.mx.Unlock()
}

// Watch invalidates the cache whenever the file is written or replaced.
// The directory is watched so editors that rename over the file are seen.
// It returns once the watcher is set up; watching stops with ctx.
func (fs *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	target, err := filepath.Abs(fs.Path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				name, err := filepath.Abs(event.Name)
				if err != nil || name != target {
					continue
				}
				fs.logger.Info("config file changed", zap.String("path", fs.Path), zap.String("op", event.Op.String()))
				fs.Invalidate()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				fs.logger.Error("config watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	fs.logger.Debug("watching config file", zap.String("path", target))
	return nil
}

func readConfigFile(path string) (structval.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return structval.Value{}, &ConfigReadError{Path: path, Err: err}
	}

	var v structval.Value
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v, err = structval.ParseYAML(data)
	default:
		v, err = structval.ParseJSON(data)
	}
	if err != nil {
		return structval.Value{}, &ConfigParseError{Source: path, Err: err}
	}
	if v.Kind() != structval.KindMapping {
		return structval.Value{}, &ConfigParseError{
			Source: path,
			Err:    errors.New("top level must be an object, got " + v.Kind().String()),
		}
	}
	return v, nil
}
