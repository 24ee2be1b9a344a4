package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "relaybot/pkg/logx"
)

// fileRegistry is a dependency-free persistence backend.
//
// The whole state lives in one JSON file. Writes go through a temp file and
// an atomic rename, so a crash mid-write leaves the previous snapshot
// intact. Fine for the expected volumes (thousands of items per source);
// larger deployments should use the sqlite driver.
type fileRegistry struct {
	log logx.Logger

	mu    sync.Mutex
	path  string
	state map[string]*sourceState
}

type sourceState struct {
	// Destinations is ordered; list position is the origin-selection
	// tie-break.
	Destinations []string `json:"destinations"`

	// KnownItems keeps insertion order (oldest first); alignment replays
	// it as the backfill sequence.
	KnownItems []string `json:"known_items"`

	// Deliveries maps fingerprint → destination → ordered message ids.
	Deliveries map[string]map[string][]string `json:"deliveries"`
}

func openFile(cfg Config, log logx.Logger) (Registry, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	state := map[string]*sourceState{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &state); err != nil {
			return nil, &StorageError{Op: "load", Err: err}
		}
	case os.IsNotExist(err):
		// fresh store
	default:
		return nil, &StorageError{Op: "load", Err: err}
	}

	return &fileRegistry{log: log, path: path, state: state}, nil
}

func (r *fileRegistry) Close() error { return nil }

func (r *fileRegistry) source(name string) *sourceState {
	st, ok := r.state[name]
	if !ok {
		st = &sourceState{Deliveries: map[string]map[string][]string{}}
		r.state[name] = st
	}
	if st.Deliveries == nil {
		st.Deliveries = map[string]map[string][]string{}
	}
	return st
}

func (r *fileRegistry) persistLocked() error {
	b, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Err: err}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return &StorageError{Op: "rename", Err: err}
	}
	return nil
}

func (r *fileRegistry) AddDestination(ctx context.Context, source, dest string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.source(source)
	for _, d := range st.Destinations {
		if d == dest {
			return false, nil
		}
	}
	st.Destinations = append(st.Destinations, dest)
	if err := r.persistLocked(); err != nil {
		// roll the in-memory add back so memory matches disk
		st.Destinations = st.Destinations[:len(st.Destinations)-1]
		return false, err
	}
	return true, nil
}

func (r *fileRegistry) RemoveDestination(ctx context.Context, source, dest string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return ErrNotFound
	}
	idx := -1
	for i, d := range st.Destinations {
		if d == dest {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	st.Destinations = append(st.Destinations[:idx], st.Destinations[idx+1:]...)
	return r.persistLocked()
}

func (r *fileRegistry) ListDestinations(ctx context.Context, source string) ([]string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), st.Destinations...), nil
}

func (r *fileRegistry) ListSources(ctx context.Context) ([]string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.state))
	for s := range r.state {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (r *fileRegistry) IsKnownItem(ctx context.Context, source, fingerprint string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return false, nil
	}
	for _, fp := range st.KnownItems {
		if fp == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (r *fileRegistry) MarkKnown(ctx context.Context, source, fingerprint string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.source(source)
	for _, fp := range st.KnownItems {
		if fp == fingerprint {
			return nil
		}
	}
	st.KnownItems = append(st.KnownItems, fingerprint)
	if err := r.persistLocked(); err != nil {
		st.KnownItems = st.KnownItems[:len(st.KnownItems)-1]
		return err
	}
	return nil
}

func (r *fileRegistry) KnownItems(ctx context.Context, source string) ([]string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), st.KnownItems...), nil
}

func (r *fileRegistry) RecordDelivery(ctx context.Context, source, fingerprint, dest string, messageIDs []string) error {
	_ = ctx
	if len(messageIDs) == 0 {
		return errors.New("registry: empty message id list")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.source(source)
	m, ok := st.Deliveries[fingerprint]
	if !ok {
		m = map[string][]string{}
		st.Deliveries[fingerprint] = m
	}
	prev, had := m[dest]
	m[dest] = append([]string(nil), messageIDs...)
	if err := r.persistLocked(); err != nil {
		if had {
			m[dest] = prev
		} else {
			delete(m, dest)
		}
		return err
	}
	return nil
}

func (r *fileRegistry) GetDelivery(ctx context.Context, source, fingerprint, dest string) ([]string, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return nil, false, nil
	}
	ids, ok := st.Deliveries[fingerprint][dest]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), ids...), true, nil
}

func (r *fileRegistry) ListAvailableOrigins(ctx context.Context, source, fingerprint string) ([]Origin, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[source]
	if !ok {
		return nil, nil
	}
	return orderOrigins(st.Destinations, st.Deliveries[fingerprint]), nil
}
