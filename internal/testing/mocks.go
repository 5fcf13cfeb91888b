package testing

import (
	"context"
	"sync"

	"github.com/aristath/pricehub/internal/domain"
)

// MockMirror is an in-memory archive mirror
type MockMirror struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploads     int
	uploadErr   error
	downloadErr error
}

// NewMockMirror creates an empty mirror
func NewMockMirror() *MockMirror {
	return &MockMirror{objects: make(map[string][]byte)}
}

// SetUploadError makes subsequent uploads fail
func (m *MockMirror) SetUploadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}

// SetDownloadError makes subsequent downloads fail
func (m *MockMirror) SetDownloadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErr = err
}

// Put stores an object directly
func (m *MockMirror) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
}

// Object returns a stored object
func (m *MockMirror) Object(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return data, ok
}

// Uploads returns the number of successful uploads
func (m *MockMirror) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

func (m *MockMirror) Upload(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.objects[name] = append([]byte(nil), data...)
	m.uploads++
	return nil
}

func (m *MockMirror) Download(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// MockNotifier counts wake notifications
type MockNotifier struct {
	mu    sync.Mutex
	count int
}

// NewMockNotifier creates a notifier with zero calls recorded
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

// Count returns how many times Notify was called
func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}
