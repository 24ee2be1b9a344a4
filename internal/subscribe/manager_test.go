package subscribe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/internal/alignment"
	"relaybot/internal/content"
	"relaybot/internal/fanout"
	"relaybot/internal/pacing"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type fakeAcquirer struct {
	mu      sync.Mutex
	items   []content.RawItem
	fetches int
	err     error
}

func (f *fakeAcquirer) FetchItems(context.Context, string) ([]content.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return append([]content.RawItem(nil), f.items...), nil
}

type fakeTransport struct {
	mu    sync.Mutex
	seq   int
	sends []string
	fail  map[string]error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{fail: map[string]error{}} }

func (f *fakeTransport) SendOriginal(_ context.Context, dest string, _ content.Payload) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, "send:"+dest)
	if err := f.fail["send:"+dest]; err != nil {
		return nil, err
	}
	f.seq++
	return []string{fmt.Sprintf("m%d", f.seq)}, nil
}

func (f *fakeTransport) Replicate(_ context.Context, to, from string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, fmt.Sprintf("copy:%s<-%s", to, from))
	if err := f.fail["copy:"+to]; err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "c" + id
	}
	return out, nil
}

func (f *fakeTransport) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sends {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type passConverter struct{}

func (passConverter) Convert(it content.Item) (content.Payload, error) {
	return content.Payload{Text: it.Raw.Title}, nil
}

func newTestManager(t *testing.T) (*Manager, registry.Registry, *fakeTransport, *fakeAcquirer) {
	t.Helper()
	reg, err := registry.Open(registry.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	tr := newFakeTransport()
	acq := &fakeAcquirer{}
	disp := fanout.New(fanout.Config{}, reg, tr, passConverter{}, logx.Nop())
	align := alignment.New(pacing.Profile{}, reg, tr, logx.Nop())
	return NewManager(reg, disp, align, acq, logx.Nop()), reg, tr, acq
}

func rawItem(guid string, ts time.Time) content.RawItem {
	return content.RawItem{GUID: guid, Title: "t-" + guid, PublishedAt: ts}
}

func TestAddFirstDestinationEstablishesBaseline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, reg, tr, acq := newTestManager(t)
	acq.items = []content.RawItem{
		rawItem("a", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		rawItem("b", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
	}

	out, err := mgr.AddDestination(ctx, "src", "@one")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultFirst {
		t.Fatalf("result = %v, want first", out.Result)
	}
	if out.ItemsSynced != 2 || out.Fanout == nil || out.Alignment != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := tr.count("send:@one"); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	known, _ := reg.KnownItems(ctx, "src")
	if len(known) != 2 {
		t.Fatalf("known items = %v", known)
	}
}

func TestAddDuplicateDestinationIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, _, tr, acq := newTestManager(t)
	acq.items = []content.RawItem{rawItem("a", time.Now())}

	if _, err := mgr.AddDestination(ctx, "src", "@one"); err != nil {
		t.Fatal(err)
	}
	before := tr.count("")
	fetches := acq.fetches

	out, err := mgr.AddDestination(ctx, "src", "@one")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultDuplicate {
		t.Fatalf("result = %v, want duplicate", out.Result)
	}
	if tr.count("") != before || acq.fetches != fetches {
		t.Fatal("duplicate add caused transport or fetch traffic")
	}
}

func TestAddAdditionalDestinationBackfills(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, reg, tr, acq := newTestManager(t)
	acq.items = []content.RawItem{
		rawItem("a", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		rawItem("b", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
	}

	if _, err := mgr.AddDestination(ctx, "src", "@one"); err != nil {
		t.Fatal(err)
	}

	out, err := mgr.AddDestination(ctx, "src", "@two")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultAdditional || out.Alignment == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ItemsSynced != 2 {
		t.Fatalf("synced = %d, want 2", out.ItemsSynced)
	}
	// history arrives via replication, not re-acquisition
	if got := tr.count("copy:@two"); got != 2 {
		t.Fatalf("copies into @two = %d, want 2", got)
	}
	if got := tr.count("send:@two"); got != 0 {
		t.Fatalf("original sends to @two = %d, want 0", got)
	}

	known, _ := reg.KnownItems(ctx, "src")
	for _, fp := range known {
		if _, ok, _ := reg.GetDelivery(ctx, "src", fp, "@two"); !ok {
			t.Fatalf("item %s missing on @two", fp)
		}
	}
}

func TestFetchCycleDeliversOnlyNewItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, _, tr, acq := newTestManager(t)
	acq.items = []content.RawItem{rawItem("a", time.Now())}

	if _, err := mgr.AddDestination(ctx, "src", "@one"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddDestination(ctx, "src", "@two"); err != nil {
		t.Fatal(err)
	}

	// a appears again plus a genuinely new item
	acq.items = append(acq.items, rawItem("b", time.Now()))
	sum, err := mgr.RunFetchCycle(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Items != 1 || sum.Delivered != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	// b went out once as an original and once as a copy
	if got := tr.count("send:"); got != 2 { // baseline a + new b
		t.Fatalf("origin sends = %d, want 2", got)
	}
}

func TestFetchCycleSkipsSourcesWithoutDestinations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, _, _, acq := newTestManager(t)

	sum, err := mgr.RunFetchCycle(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Items != 0 || acq.fetches != 0 {
		t.Fatalf("fetch ran for unsubscribed source: %+v fetches=%d", sum, acq.fetches)
	}
}

func TestRemoveDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, reg, _, acq := newTestManager(t)
	acq.items = []content.RawItem{rawItem("a", time.Now())}

	if _, err := mgr.AddDestination(ctx, "src", "@one"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.RemoveDestination(ctx, "src", "@one"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.RemoveDestination(ctx, "src", "@one"); err == nil {
		t.Fatal("second remove succeeded")
	}
	// delivery history survives for future backfills
	known, _ := reg.KnownItems(ctx, "src")
	if len(known) != 1 {
		t.Fatalf("known items after remove = %v", known)
	}
}

func TestAddDestinationFetchFailureKeepsRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, reg, _, acq := newTestManager(t)
	acq.err = fmt.Errorf("feed unreachable")

	out, err := mgr.AddDestination(ctx, "src", "@one")
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if out.Result != ResultFirst {
		t.Fatalf("result = %v", out.Result)
	}
	dests, _ := reg.ListDestinations(ctx, "src")
	if len(dests) != 1 {
		t.Fatalf("registration rolled back: %v", dests)
	}
}

func TestAbandonedItemResurfaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, reg, tr, acq := newTestManager(t)
	acq.items = []content.RawItem{rawItem("a", time.Now())}
	tr.fail["send:@one"] = &transport.Error{Kind: transport.KindTransient, Err: fmt.Errorf("down")}

	out, err := mgr.AddDestination(ctx, "src", "@one")
	if err != nil {
		t.Fatal(err)
	}
	if out.Fanout == nil || out.Fanout.Abandoned != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if known, _ := reg.KnownItems(ctx, "src"); len(known) != 0 {
		t.Fatalf("abandoned item marked known: %v", known)
	}

	// transport recovers; the same item is picked up by the next cycle
	tr.mu.Lock()
	delete(tr.fail, "send:@one")
	tr.mu.Unlock()

	sum, err := mgr.RunFetchCycle(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Delivered != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if known, _ := reg.KnownItems(ctx, "src"); len(known) != 1 {
		t.Fatalf("known = %v", known)
	}
}
