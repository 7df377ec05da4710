package renderer

import (
	"sync"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/normanking/talkinghead/internal/engine"
)

// listeners is a detachable set of resize callbacks
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(width, height int)
}

func (l *listeners) add(fn func(width, height int)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(width, height int))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(width, height int) {
	l.mu.Lock()
	fns := make([]func(int, int), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(width, height)
	}
}

func (l *listeners) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// WindowResizeSource delivers framebuffer size changes of a GLFW window.
// Callbacks run inside glfw.PollEvents, i.e. on the render thread.
type WindowResizeSource struct {
	listeners
}

var _ engine.ResizeSource = (*WindowResizeSource)(nil)

func newWindowResizeSource(window *glfw.Window) *WindowResizeSource {
	src := &WindowResizeSource{}
	window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		src.emit(width, height)
	})
	return src
}

// OnResize registers fn and returns its detach func
func (s *WindowResizeSource) OnResize(fn func(width, height int)) func() {
	return s.add(fn)
}
