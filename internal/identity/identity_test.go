package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/content"
	"relaybot/internal/registry"
	logx "relaybot/pkg/logx"
)

func TestFingerprintPriority(t *testing.T) {
	t.Parallel()

	full := content.RawItem{
		GUID:        "guid-1",
		Title:       "title",
		Link:        "https://example.org/a",
		Description: "desc",
		Published:   "Mon, 02 Jan 2006 15:04:05 GMT",
	}

	// Changing lower-priority fields must not move the fingerprint while a
	// higher-priority input is present.
	withOtherTitle := full
	withOtherTitle.Title = "different"
	if Fingerprint(full) != Fingerprint(withOtherTitle) {
		t.Fatal("guid-based fingerprint changed when title changed")
	}

	noGUID := full
	noGUID.GUID = ""
	if Fingerprint(full) == Fingerprint(noGUID) {
		t.Fatal("expected different fingerprint after dropping guid")
	}

	noLink := noGUID
	noLink.Link = ""
	if Fingerprint(noGUID) == Fingerprint(noLink) {
		t.Fatal("expected different fingerprint after dropping link")
	}

	lastResort := content.RawItem{Title: "t", Description: "d", Link: "l"}
	if Fingerprint(lastResort) == "" {
		t.Fatal("empty fingerprint")
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	r := content.RawItem{GUID: "abc"}
	a, b := Fingerprint(r), Fingerprint(r)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(a))
	}
}

func TestDetectNewItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg, err := registry.Open(registry.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	old := content.RawItem{GUID: "old", PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mid := content.RawItem{GUID: "mid", PublishedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	known := content.RawItem{GUID: "known", PublishedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	undated := content.RawItem{GUID: "undated"}

	if err := reg.MarkKnown(ctx, "src", Fingerprint(known)); err != nil {
		t.Fatal(err)
	}

	// fetched newest-first, as feeds usually are
	items, err := DetectNewItems(ctx, reg, "src", []content.RawItem{mid, known, undated, old})
	if err != nil {
		t.Fatal(err)
	}

	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.Raw.GUID)
	}
	want := []string{"old", "mid", "undated"}
	if len(got) != len(want) {
		t.Fatalf("detected %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("detected %v, want %v", got, want)
		}
	}
}

func TestDetectNewItemsAllKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg, err := registry.Open(registry.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	raw := content.RawItem{GUID: "a"}
	if err := reg.MarkKnown(ctx, "src", Fingerprint(raw)); err != nil {
		t.Fatal(err)
	}
	items, err := DetectNewItems(ctx, reg, "src", []content.RawItem{raw})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no new items, got %d", len(items))
	}
}
