package agent

import (
	"context"
	"sync"

	"fleetsync.live/internal/core/domain"
)

// ScriptSource is a location source fed by script commands. At most one
// listener is attached; samples arriving with none attached are dropped.
type ScriptSource struct {
	mu       sync.Mutex
	gen      uint64
	onSample func(domain.Sample)
	onError  func(error)
}

func NewScriptSource() *ScriptSource {
	return &ScriptSource{}
}

// Watch attaches a listener, replacing any previous one. The returned stop
// never blocks.
func (s *ScriptSource) Watch(_ context.Context, onSample func(domain.Sample), onError func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	gen := s.gen
	s.onSample = onSample
	s.onError = onError
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.onSample = nil
			s.onError = nil
		}
	}, nil
}

// Emit delivers a sample to the attached listener, if any.
func (s *ScriptSource) Emit(sample domain.Sample) bool {
	s.mu.Lock()
	fn := s.onSample
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(sample)
	return true
}

// Fail reports a location failure to the attached listener, if any.
func (s *ScriptSource) Fail(err error) bool {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(err)
	return true
}
