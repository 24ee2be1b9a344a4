package alignment

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"relaybot/internal/content"
	"relaybot/internal/pacing"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type fakeTransport struct {
	mu sync.Mutex
	// failFrom makes copies FROM the given origin fail
	failFrom map[string]error
	copies   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFrom: map[string]error{}}
}

func (f *fakeTransport) SendOriginal(context.Context, string, content.Payload) ([]string, error) {
	panic("alignment must never send originals")
}

func (f *fakeTransport) Replicate(_ context.Context, to, from string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, fmt.Sprintf("%s<-%s", to, from))
	if err := f.failFrom[from]; err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "c" + id
	}
	return out, nil
}

func openSeeded(t *testing.T) registry.Registry {
	t.Helper()
	reg, err := registry.Open(registry.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestAlignBackfillsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := openSeeded(t)
	tr := newFakeTransport()

	if _, err := reg.AddDestination(ctx, "src", "@old"); err != nil {
		t.Fatal(err)
	}
	for i, fp := range []string{"f1", "f2", "f3"} {
		if err := reg.MarkKnown(ctx, "src", fp); err != nil {
			t.Fatal(err)
		}
		if err := reg.RecordDelivery(ctx, "src", fp, "@old", []string{fmt.Sprintf("m%d", i+1)}); err != nil {
			t.Fatal(err)
		}
	}

	e := New(pacing.Profile{}, reg, tr, logx.Nop())
	fps, _ := reg.KnownItems(ctx, "src")
	sum, err := e.Align(ctx, "src", "@new", fps)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Attempted != 3 || sum.Succeeded != 3 || sum.Skipped != 0 || sum.Degraded {
		t.Fatalf("summary = %+v", sum)
	}

	// oldest first
	want := []string{"@new<-@old", "@new<-@old", "@new<-@old"}
	if !reflect.DeepEqual(tr.copies, want) {
		t.Fatalf("copies = %v", tr.copies)
	}
	ids, ok, _ := reg.GetDelivery(ctx, "src", "f1", "@new")
	if !ok || !reflect.DeepEqual(ids, []string{"cm1"}) {
		t.Fatalf("f1@new = %v ok=%v", ids, ok)
	}
}

func TestAlignSkipsItemsWithoutOrigin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := openSeeded(t)
	tr := newFakeTransport()

	if _, err := reg.AddDestination(ctx, "src", "@old"); err != nil {
		t.Fatal(err)
	}
	// f1 has a delivery record, f2 only a known-item entry
	if err := reg.MarkKnown(ctx, "src", "f1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.RecordDelivery(ctx, "src", "f1", "@old", []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkKnown(ctx, "src", "f2"); err != nil {
		t.Fatal(err)
	}

	e := New(pacing.Profile{}, reg, tr, logx.Nop())
	sum, err := e.Align(ctx, "src", "@new", []string{"f1", "f2"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(tr.copies) != 1 {
		t.Fatalf("copies = %v", tr.copies)
	}
}

func TestAlignTriesNextOrigin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := openSeeded(t)
	tr := newFakeTransport()
	tr.failFrom["@one"] = &transport.Error{Kind: transport.KindTransient, Err: fmt.Errorf("gone")}

	for _, d := range []string{"@one", "@two"} {
		if _, err := reg.AddDestination(ctx, "src", d); err != nil {
			t.Fatal(err)
		}
		if err := reg.RecordDelivery(ctx, "src", "f1", d, []string{"m-" + d}); err != nil {
			t.Fatal(err)
		}
	}

	e := New(pacing.Profile{}, reg, tr, logx.Nop())
	sum, err := e.Align(ctx, "src", "@new", []string{"f1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	want := []string{"@new<-@one", "@new<-@two"}
	if !reflect.DeepEqual(tr.copies, want) {
		t.Fatalf("copies = %v, want %v", tr.copies, want)
	}
}

func TestAlignAlreadyPresentCountsSucceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := openSeeded(t)
	tr := newFakeTransport()

	if err := reg.RecordDelivery(ctx, "src", "f1", "@new", []string{"m1"}); err != nil {
		t.Fatal(err)
	}

	e := New(pacing.Profile{}, reg, tr, logx.Nop())
	sum, err := e.Align(ctx, "src", "@new", []string{"f1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 || len(tr.copies) != 0 {
		t.Fatalf("summary = %+v copies = %v", sum, tr.copies)
	}
}

func TestAlignDegradedFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := openSeeded(t)
	tr := newFakeTransport()

	// 5 known items, only one replicable: 20% success is degraded
	if _, err := reg.AddDestination(ctx, "src", "@old"); err != nil {
		t.Fatal(err)
	}
	fps := []string{"f1", "f2", "f3", "f4", "f5"}
	for _, fp := range fps {
		if err := reg.MarkKnown(ctx, "src", fp); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.RecordDelivery(ctx, "src", "f1", "@old", []string{"m1"}); err != nil {
		t.Fatal(err)
	}

	e := New(pacing.Profile{}, reg, tr, logx.Nop())
	sum, err := e.Align(ctx, "src", "@new", fps)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Degraded {
		t.Fatalf("expected degraded run, got %+v", sum)
	}
}
