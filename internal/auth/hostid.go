package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wingthing-broker/agent/internal/logger"
)

const (
	hostIDFileName  = "host_id"
	canonicalPrefix = "Host ID: "
	legacyPrefix    = "Vibe Coder Host ID: "
)

// HostIdentity owns the process-wide 8-digit Host-ID: generation,
// on-disk persistence, in-memory caching, and rotation. A watcher
// reloads the cached value if the file changes underneath the process
// (e.g. an operator replacing it out of band).
type HostIdentity struct {
	mu      sync.RWMutex
	current string
	path    string

	watcher  *fsnotify.Watcher
	onRotate func(newHostID string)
}

// NewHostIdentity loads the Host-ID from dir, generating one if absent.
func NewHostIdentity(dir string) (*HostIdentity, error) {
	path := filepath.Join(dir, hostIDFileName)
	h := &HostIdentity{path: path}

	id, err := readHostIDFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read host id: %w", err)
		}
		id, err = generateHostID()
		if err != nil {
			return nil, fmt.Errorf("generate host id: %w", err)
		}
		if err := writeHostIDFile(path, id); err != nil {
			return nil, fmt.Errorf("write host id: %w", err)
		}
	}
	h.current = id
	return h, nil
}

// Current returns the active Host-ID.
func (h *HostIdentity) Current() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Matches reports whether candidate equals the active Host-ID.
func (h *HostIdentity) Matches(candidate string) bool {
	return h.Current() == candidate
}

// Rotate generates a new Host-ID, persists it, and invokes onRotate
// (set via Watch) so the caller can invalidate dependent sessions.
func (h *HostIdentity) Rotate() (string, error) {
	id, err := generateHostID()
	if err != nil {
		return "", fmt.Errorf("generate host id: %w", err)
	}
	if err := writeHostIDFile(h.path, id); err != nil {
		return "", fmt.Errorf("write host id: %w", err)
	}
	h.mu.Lock()
	h.current = id
	onRotate := h.onRotate
	h.mu.Unlock()
	if onRotate != nil {
		onRotate(id)
	}
	return id, nil
}

// Watch starts an fsnotify watcher on the Host-ID file so externally
// rewritten files (an operator editing it directly) are picked up, and
// registers the callback invoked on any change, whether internal
// rotation or external. Call Close to stop watching.
func (h *HostIdentity) Watch(onRotate func(newHostID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}
	h.mu.Lock()
	h.watcher = watcher
	h.onRotate = onRotate
	h.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(h.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				id, err := readHostIDFile(h.path)
				if err != nil {
					logger.Warn("host id file changed but unreadable", "error", err)
					continue
				}
				h.mu.Lock()
				changed := id != h.current
				h.current = id
				cb := h.onRotate
				h.mu.Unlock()
				if changed && cb != nil {
					cb(id)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("host id watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (h *HostIdentity) Close() error {
	h.mu.RLock()
	w := h.watcher
	h.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

func generateHostID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

func readHostIDFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	line = strings.TrimPrefix(line, canonicalPrefix)
	line = strings.TrimPrefix(line, legacyPrefix)
	line = strings.TrimSpace(line)
	if _, err := strconv.Atoi(line); err != nil || len(line) != 8 {
		return "", fmt.Errorf("malformed host id file %s", path)
	}
	return line, nil
}

func writeHostIDFile(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	content := canonicalPrefix + id + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}
