package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"frogpump/models"
)

// fakeStore is an in-memory Store over a nested JSON tree. It records
// every call in order and can be told to fail specific operations.
type fakeStore struct {
	mu    sync.Mutex
	root  map[string]interface{}
	calls []string
	errs  map[string]error // "op path" -> injected error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		root: make(map[string]interface{}),
		errs: make(map[string]error),
	}
}

func (f *fakeStore) failOn(op, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op+" "+path] = err
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// seed places a value at a path without recording a call.
func (f *fakeStore) seed(path string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		panic(err)
	}
	f.setAtLocked(path, decoded)
}

// snapshot decodes the value at a path into v; returns false when the
// path is absent.
func (f *fakeStore) snapshot(path string, v interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.getAtLocked(path)
	if node == nil {
		return false
	}
	raw, err := json.Marshal(node)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		panic(err)
	}
	return true
}

func (f *fakeStore) Get(_ context.Context, path string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get "+path)
	if err := f.errs["get "+path]; err != nil {
		return err
	}
	raw, err := json.Marshal(f.getAtLocked(path))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (f *fakeStore) Set(_ context.Context, path string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "set "+path)
	if err := f.errs["set "+path]; err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	f.setAtLocked(path, decoded)
	return nil
}

func (f *fakeStore) Update(_ context.Context, path string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+path)
	if err := f.errs["update "+path]; err != nil {
		return err
	}
	for key, v := range fields {
		child := path + "/" + key
		if v == nil {
			f.setAtLocked(child, nil)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		f.setAtLocked(child, decoded)
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+path)
	if err := f.errs["delete "+path]; err != nil {
		return err
	}
	f.setAtLocked(path, nil)
	return nil
}

func (f *fakeStore) Transaction(_ context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "transaction "+path)
	if err := f.errs["transaction "+path]; err != nil {
		return err
	}
	raw, err := json.Marshal(f.getAtLocked(path))
	if err != nil {
		return err
	}
	result, err := fn(raw)
	if err != nil {
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		return err
	}
	f.setAtLocked(path, decoded)
	return nil
}

func (f *fakeStore) getAtLocked(path string) interface{} {
	var node interface{} = f.root
	for _, part := range splitPath(path) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node = m[part]
	}
	return node
}

// setAtLocked writes decoded at path, creating intermediate maps; a nil
// value deletes the node.
func (f *fakeStore) setAtLocked(path string, decoded interface{}) {
	parts := splitPath(path)
	if len(parts) == 0 {
		panic(fmt.Sprintf("fakeStore: bad path %q", path))
	}
	node := f.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			if decoded == nil {
				return
			}
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	last := parts[len(parts)-1]
	if decoded == nil {
		delete(node, last)
		return
	}
	node[last] = decoded
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

// nilIdentity models an unauthenticated client.
type nilIdentity struct{}

func (nilIdentity) CurrentUser() *models.User { return nil }
