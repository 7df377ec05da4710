package renderer

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ShaderWatcher watches shader sources and queues reloads. GL calls are
// only legal on the render thread, so the watcher never reloads anything
// itself: the render loop calls Apply once per frame.
type ShaderWatcher struct {
	watcher *fsnotify.Watcher
	log     zerolog.Logger
	reload  func(*Shader) error

	mu      sync.Mutex
	shaders map[string]*Shader // path -> shader
	pending map[*Shader]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewShaderWatcher creates a new shader watcher
func NewShaderWatcher(log zerolog.Logger) (*ShaderWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &ShaderWatcher{
		watcher: watcher,
		log:     log,
		reload:  (*Shader).Reload,
		shaders: make(map[string]*Shader),
		pending: make(map[*Shader]struct{}),
		done:    make(chan struct{}),
	}

	go sw.watchLoop()

	return sw, nil
}

// Watch adds a file-backed shader
func (sw *ShaderWatcher) Watch(shader *Shader) error {
	vert, frag := shader.Paths()
	if vert == "" || frag == "" {
		return ErrNotFromFiles
	}
	vert, frag = filepath.Clean(vert), filepath.Clean(frag)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	// Editors often replace files, so watch the directories
	vertDir := filepath.Dir(vert)
	if err := sw.watcher.Add(vertDir); err != nil {
		return err
	}
	if fragDir := filepath.Dir(frag); fragDir != vertDir {
		if err := sw.watcher.Add(fragDir); err != nil {
			return err
		}
	}

	sw.shaders[vert] = shader
	sw.shaders[frag] = shader
	return nil
}

func (sw *ShaderWatcher) watchLoop() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				sw.queue(filepath.Clean(event.Name))
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn().Err(err).Msg("Shader watcher error")
		}
	}
}

func (sw *ShaderWatcher) queue(path string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if shader, ok := sw.shaders[path]; ok {
		sw.pending[shader] = struct{}{}
		sw.log.Debug().Str("path", path).Msg("Shader changed")
	}
}

// Pending returns the number of shaders waiting for a reload
func (sw *ShaderWatcher) Pending() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.pending)
}

// Apply reloads every queued shader. Call it on the render thread.
func (sw *ShaderWatcher) Apply() int {
	sw.mu.Lock()
	if len(sw.pending) == 0 {
		sw.mu.Unlock()
		return 0
	}
	queued := make([]*Shader, 0, len(sw.pending))
	for s := range sw.pending {
		queued = append(queued, s)
	}
	sw.pending = make(map[*Shader]struct{})
	sw.mu.Unlock()

	reloaded := 0
	for _, s := range queued {
		vert, _ := s.Paths()
		if err := sw.reload(s); err != nil {
			// keep drawing with the previous program
			sw.log.Warn().Err(err).Str("shader", vert).Msg("Shader reload failed")
			continue
		}
		reloaded++
		sw.log.Info().Str("shader", vert).Msg("Shader reloaded")
	}
	return reloaded
}

// Close stops the shader watcher
func (sw *ShaderWatcher) Close() error {
	var err error
	sw.closeOnce.Do(func() {
		close(sw.done)
		err = sw.watcher.Close()
	})
	return err
}
