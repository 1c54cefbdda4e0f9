package driver

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/psantana5/jobdriver/pkg/models"
)

func named(name string, out *[]string) Handler {
	return HandlerFunc(func(context.Context, *models.JobState, models.Event) error {
		*out = append(*out, name)
		return nil
	})
}

func TestBuildRejectsInvalidBindings(t *testing.T) {
	tests := []struct {
		name     string
		bindings *Bindings
	}{
		{"unknown kind", NewBindings().Set("driver_paused", TrackDriverStarted)},
		{"nil handler", NewBindings().Set(models.EventDriverStarted, nil)},
		{"nil func", NewBindings().SetFunc(models.EventDriverStarted, nil)},
		{"missing required", NewBindings().Require(models.EventDriverStopped)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.bindings.Build()
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Errorf("Build() error = %v, want *ConfigurationError", err)
			}
		})
	}
}

func TestLastSetWins(t *testing.T) {
	var calls []string
	b := NewBindings().
		Set(models.EventDriverStarted, named("hello", &calls)).
		Set(models.EventDriverStarted, named("state", &calls))

	if got := b.Overrides(); !reflect.DeepEqual(got, []models.EventKind{models.EventDriverStarted}) {
		t.Errorf("Overrides() = %v", got)
	}

	reg, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	h, ok := reg.Lookup(models.EventDriverStarted)
	if !ok {
		t.Fatal("driver_started not bound")
	}
	_ = h.Handle(context.Background(), models.NewJobState("d", 0), models.Event{})
	if !reflect.DeepEqual(calls, []string{"state"}) {
		t.Errorf("calls = %v, want [state]", calls)
	}
}

func TestMergeLaterSetWins(t *testing.T) {
	var calls []string
	app := NewBindings().
		Set(models.EventDriverStarted, named("app-start", &calls)).
		Set(models.EventTaskCompleted, named("app-done", &calls))
	http := NewBindings().
		Set(models.EventDriverStarted, named("http-start", &calls)).
		Set(models.EventContextActive, named("http-ctx", &calls))

	merged := Merge(app, http)
	reg, err := merged.Build()
	if err != nil {
		t.Fatal(err)
	}

	want := []models.EventKind{models.EventContextActive, models.EventDriverStarted, models.EventTaskCompleted}
	if got := reg.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
	if got := merged.Overrides(); !reflect.DeepEqual(got, []models.EventKind{models.EventDriverStarted}) {
		t.Errorf("Overrides() = %v", got)
	}

	h, _ := reg.Lookup(models.EventDriverStarted)
	_ = h.Handle(context.Background(), models.NewJobState("d", 0), models.Event{})
	if !reflect.DeepEqual(calls, []string{"http-start"}) {
		t.Errorf("calls = %v, want [http-start]", calls)
	}
}

func TestMergeCarriesErrors(t *testing.T) {
	bad := NewBindings().Set(models.EventDriverStarted, nil)
	if _, err := Merge(StateBindings(), bad).Build(); err == nil {
		t.Error("merged bindings should keep the nil-handler error")
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	h := Chain(
		named("a", &calls),
		HandlerFunc(func(context.Context, *models.JobState, models.Event) error {
			calls = append(calls, "b")
			return boom
		}),
		named("c", &calls),
	)
	if err := h.Handle(context.Background(), models.NewJobState("d", 0), models.Event{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if !reflect.DeepEqual(calls, []string{"a", "b"}) {
		t.Errorf("calls = %v, want [a b]", calls)
	}
}

func TestStateBindingsCoverEveryKind(t *testing.T) {
	b := StateBindings()
	for _, k := range models.EventKinds {
		b.Require(k)
	}
	if _, err := b.Build(); err != nil {
		t.Errorf("StateBindings incomplete: %v", err)
	}
}

func TestStateHandlersRejectMissingIDs(t *testing.T) {
	cases := map[models.EventKind]Handler{
		models.EventEvaluatorAllocated: TrackEvaluatorAllocated,
		models.EventContextActive:      TrackContextActive,
		models.EventTaskCompleted:      TrackTaskCompleted,
	}
	for kind, h := range cases {
		if err := h.Handle(context.Background(), models.NewJobState("d", 0), models.Event{Kind: kind}); err == nil {
			t.Errorf("%s handler accepted an event without ids", kind)
		}
	}
}

func TestComposeChainsSharedKinds(t *testing.T) {
	var calls []string
	state := NewBindings().
		Set(models.EventDriverStarted, named("state-start", &calls)).
		Set(models.EventTaskRunning, named("state-running", &calls))
	app := NewBindings().
		Set(models.EventDriverStarted, named("app-start", &calls)).
		Set(models.EventDriverStarted, named("app-start-2", &calls))

	composed := Compose(state, app)
	reg, err := composed.Build()
	if err != nil {
		t.Fatal(err)
	}
	if got := composed.Shared(); !reflect.DeepEqual(got, []models.EventKind{models.EventDriverStarted}) {
		t.Errorf("Shared() = %v", got)
	}
	// the duplicate inside app is still last-write-wins
	if got := composed.Overrides(); !reflect.DeepEqual(got, []models.EventKind{models.EventDriverStarted}) {
		t.Errorf("Overrides() = %v", got)
	}

	h, _ := reg.Lookup(models.EventDriverStarted)
	_ = h.Handle(context.Background(), models.NewJobState("d", 0), models.Event{})
	if want := []string{"state-start", "app-start-2"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}
