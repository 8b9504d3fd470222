package apidef

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type scriptedBackend struct {
	openCalls int
	batches   [][]WatchEvent
	failFirst bool
}

func (b *scriptedBackend) Watch(ctxt context.Context) (<-chan WatchEvent, error) {
	idx := b.openCalls
	b.openCalls++
	if b.failFirst && idx == 0 {
		return nil, fmt.Errorf("simulated open failure")
	}
	if idx-boolToInt(b.failFirst) >= len(b.batches) {
		ch := make(chan WatchEvent)
		close(ch)
		return ch, nil
	}
	events := b.batches[idx-boolToInt(b.failFirst)]
	ch := make(chan WatchEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const validYAML = "app_name: /misc\nhost: backend.local:8080\nmode:\n  kind: forward_all\n"

func TestOrchestratorSourceEmitsAddedAndModified(t *testing.T) {
	backend := &scriptedBackend{batches: [][]WatchEvent{
		{
			{Type: WatchAdded, Raw: []byte(validYAML)},
			{Type: WatchModified, Raw: []byte(validYAML)},
		},
	}}
	src := &OrchestratorSource{Backend: backend, RestartDelay: 10 * time.Millisecond}

	ctxt, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	defs, _ := src.Stream(ctxt)

	var count int
	for range defs {
		count++
		if count == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, count)
}

func TestOrchestratorSourceIgnoresDeletions(t *testing.T) {
	backend := &scriptedBackend{batches: [][]WatchEvent{
		{{Type: WatchDeleted, Raw: []byte(validYAML)}},
	}}
	src := &OrchestratorSource{Backend: backend, RestartDelay: 10 * time.Millisecond}

	ctxt, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	defs, _ := src.Stream(ctxt)

	for range defs {
		t.Fatal("deletions must not be emitted as definitions")
	}
}

func TestOrchestratorSourceRestartsAfterOpenFailure(t *testing.T) {
	backend := &scriptedBackend{
		failFirst: true,
		batches:   [][]WatchEvent{{{Type: WatchAdded, Raw: []byte(validYAML)}}},
	}
	src := &OrchestratorSource{Backend: backend, RestartDelay: 10 * time.Millisecond}

	ctxt, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	defs, errs := src.Stream(ctxt)

	var gotDef, gotErr bool
	done := ctxt.Done()
	for !gotDef || !gotErr {
		select {
		case d, ok := <-defs:
			if ok {
				_ = d
				gotDef = true
			}
		case e, ok := <-errs:
			if ok && e != nil {
				gotErr = true
			}
		case <-done:
			assert.True(t, gotDef, "expected at least one definition after restart")
			assert.True(t, gotErr, "expected the open failure to surface")
			return
		}
	}
	assert.True(t, gotDef)
	assert.True(t, gotErr)
}
