package inference

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/lifecycle"
	"github.com/tinoosan/modeld/internal/pressure"
	"github.com/tinoosan/modeld/internal/registry"
)

type env struct {
	store *cache.FileStore
	bus   *events.Bus
	disp  *pressure.Dispatcher
	set   *Set
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := cache.Open(t.TempDir(), cache.Options{MinArtifactBytes: 8})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	disp := pressure.NewDispatcher(nil)
	set, err := NewSet([]ModuleConfig{{Name: "entities", Model: "ner"}, {Name: "search", Model: "emb"}}, Deps{
		Registry:   registry.New(store, nil, nil),
		Bus:        bus,
		Dispatcher: disp,
		Policy:     pressure.Policy{ModerateIdle: time.Minute, BackgroundIdle: time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(set.Close)
	return &env{store: store, bus: bus, disp: disp, set: set}
}

func (e *env) commit(t *testing.T, id string) data.CacheEntry {
	t.Helper()
	w, err := e.store.BeginWrite(id)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write(bytes.Repeat([]byte("w"), 64))
	entry, err := e.store.Commit(id, w, data.ModelDescriptor{ID: id, Format: "tflite"}, data.SourceRemote)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.PutAuxiliary(context.Background(), id, "vocab.txt", strings.NewReader("[PAD]\n")); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestModuleNotReady(t *testing.T) {
	e := newEnv(t)
	m, err := e.set.Get("entities")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background()); !errors.Is(err, data.ErrModelNotReady) {
		t.Fatalf("expected ErrModelNotReady, got %v", err)
	}
	if m.WaitReady(context.Background(), 20*time.Millisecond) {
		t.Fatalf("WaitReady should time out")
	}
}

func TestModuleWaitReadyObservesEvent(t *testing.T) {
	e := newEnv(t)
	m, _ := e.set.Get("entities")

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.bus.Publish(events.Event{Type: events.TypeProgress, ModelID: "ner"})
		e.bus.Publish(events.Event{Type: events.TypeReady, ModelID: "emb"})
		e.bus.Publish(events.Event{Type: events.TypeReady, ModelID: "ner"})
	}()
	if !m.WaitReady(context.Background(), 2*time.Second) {
		t.Fatalf("WaitReady should observe the ready event")
	}
}

func TestModuleLoadAndPressure(t *testing.T) {
	e := newEnv(t)
	e.commit(t, "ner")
	m, _ := e.set.Get("entities")

	l, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	res, ok := l.Value().(*FileResource)
	if !ok {
		t.Fatalf("unexpected resource type %T", l.Value())
	}
	if len(res.Weights) != 64 || string(res.Auxiliary["vocab.txt"]) != "[PAD]\n" {
		t.Fatalf("unexpected resource contents: %d bytes, aux %q", len(res.Weights), res.Auxiliary["vocab.txt"])
	}
	l.Release()

	if n := e.disp.Signal(context.Background(), pressure.Moderate); n != 0 {
		t.Fatalf("moderate pressure on a fresh resource released %d", n)
	}
	if n := e.disp.Signal(context.Background(), pressure.Critical); n != 1 {
		t.Fatalf("critical pressure released %d, want 1", n)
	}
	if !res.Closed() || m.Status().State != lifecycle.Unloaded {
		t.Fatalf("expected the resource to be released")
	}
}

func TestSet(t *testing.T) {
	e := newEnv(t)
	if _, err := e.set.Get("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	list := e.set.List()
	if len(list) != 2 || list[0].Name != "entities" || list[1].Name != "search" {
		t.Fatalf("unexpected list: %#v", list)
	}
	if got := e.set.ForModel("emb"); len(got) != 1 || got[0].Name() != "search" {
		t.Fatalf("ForModel(emb) = %v", got)
	}
	if _, err := NewSet([]ModuleConfig{{Name: "a", Model: "x"}, {Name: "a", Model: "y"}}, Deps{}); err == nil {
		t.Fatalf("expected duplicate module error")
	}
}
