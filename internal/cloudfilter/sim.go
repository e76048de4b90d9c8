package cloudfilter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SimDriver is an in-memory filter used by tests and non-Windows builds.
// Placeholder entries exist as real files and directories on disk; the
// cloud-file metadata the kernel filter would keep inside each entry lives
// in a map keyed by normalized path. Hydration callbacks are invoked
// synchronously on the caller's goroutine.
type SimDriver struct {
	mu        sync.Mutex
	entries   map[string]*simEntry
	roots     map[string]SyncRootInfo
	conns     map[ConnectionKey]Callbacks
	inflight  map[TransferKey]*simTransfer
	nextConn  ConnectionKey
	nextXfer  TransferKey
	shellPing []string
}

type simEntry struct {
	identity string
	state    State
	size     int64
	dir      bool
}

type simTransfer struct {
	target    string // real path receiving data
	offset    int64
	length    int64
	written   int64
	status    Status
	completed bool
}

// NewSimDriver creates an empty simulator.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		entries:  make(map[string]*simEntry),
		roots:    make(map[string]SyncRootInfo),
		conns:    make(map[ConnectionKey]Callbacks),
		inflight: make(map[TransferKey]*simTransfer),
	}
}

func simKey(path string) string {
	return strings.ToLower(filepath.Clean(path))
}

func (d *SimDriver) RegisterSyncRoot(info SyncRootInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roots[info.ID()] = info
	return nil
}

func (d *SimDriver) UnregisterSyncRoot(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roots[id]; !ok {
		return ErrNotRegistered
	}
	delete(d.roots, id)
	return nil
}

func (d *SimDriver) IsSyncRootRegistered(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.roots[id]
	return ok, nil
}

func (d *SimDriver) Connect(clientPath string, cb Callbacks) (ConnectionKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConn++
	d.conns[d.nextConn] = cb
	return d.nextConn, nil
}

func (d *SimDriver) Disconnect(key ConnectionKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[key]; !ok {
		return ErrNotConnected
	}
	delete(d.conns, key)
	return nil
}

func (d *SimDriver) TransferData(key ConnectionKey, transfer TransferKey, data []byte, offset int64) error {
	d.mu.Lock()
	xfer, ok := d.inflight[transfer]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer %d: %w", transfer, ErrNotFound)
	}

	f, err := os.OpenFile(xfer.target, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}

	d.mu.Lock()
	xfer.written += int64(len(data))
	d.mu.Unlock()
	return nil
}

func (d *SimDriver) CompleteTransfer(key ConnectionKey, transfer TransferKey, offset, length int64, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	xfer, ok := d.inflight[transfer]
	if !ok {
		return fmt.Errorf("transfer %d: %w", transfer, ErrNotFound)
	}
	xfer.status = status
	xfer.completed = true
	return nil
}

func (d *SimDriver) CreatePlaceholder(clientAbs string, meta PlaceholderMeta) error {
	if meta.IsDirectory {
		if err := os.MkdirAll(clientAbs, 0755); err != nil {
			return err
		}
	} else {
		if _, err := os.Stat(clientAbs); err == nil {
			return fmt.Errorf("create placeholder %s: %w", clientAbs, os.ErrExist)
		}
		f, err := os.Create(clientAbs)
		if err != nil {
			return err
		}
		f.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[simKey(clientAbs)] = &simEntry{
		identity: meta.Identity,
		state:    StatePlaceholder | StateOffline,
		size:     meta.Size,
		dir:      meta.IsDirectory,
	}
	return nil
}

func (d *SimDriver) ConvertToPlaceholder(clientAbs, identity string, dehydrate bool) error {
	info, err := os.Stat(clientAbs)
	if err != nil {
		return fmt.Errorf("convert %s: %w", clientAbs, ErrNotFound)
	}

	state := StatePlaceholder | StateInSync
	if dehydrate {
		if !info.IsDir() {
			if err := os.Truncate(clientAbs, 0); err != nil {
				return err
			}
		}
		state |= StateOffline
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[simKey(clientAbs)] = &simEntry{
		identity: identity,
		state:    state,
		size:     info.Size(),
		dir:      info.IsDir(),
	}
	return nil
}

func (d *SimDriver) SetInSync(clientAbs string, inSync bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		return fmt.Errorf("set in-sync %s: %w", clientAbs, ErrNotPlaceholder)
	}
	if inSync {
		entry.state |= StateInSync
	} else {
		entry.state &^= StateInSync
	}
	return nil
}

// Hydrate invokes the registered FetchData callback synchronously and waits
// for the terminal transfer. length = -1 requests the whole file.
func (d *SimDriver) Hydrate(clientAbs string, offset, length int64) error {
	d.mu.Lock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("hydrate %s: %w", clientAbs, ErrNotPlaceholder)
	}
	if len(d.conns) == 0 {
		d.mu.Unlock()
		return ErrNotConnected
	}
	var connKey ConnectionKey
	var cb Callbacks
	for k, c := range d.conns {
		connKey, cb = k, c
		break
	}

	required := length
	if required < 0 {
		required = entry.size - offset
	}
	if required < 0 {
		required = 0
	}

	d.nextXfer++
	xferKey := d.nextXfer
	xfer := &simTransfer{target: filepath.Clean(clientAbs), offset: offset, length: required}
	d.inflight[xferKey] = xfer
	identity := entry.identity
	wholeFile := offset == 0 && required >= entry.size
	d.mu.Unlock()

	if cb.FetchData == nil {
		return ErrNotConnected
	}

	cb.FetchData(FetchRequest{
		ConnectionKey:  connKey,
		TransferKey:    xferKey,
		FileIdentity:   identity,
		RequiredOffset: offset,
		RequiredLength: required,
		RequestKey:     uint64(xferKey),
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, xferKey)

	if !xfer.completed {
		return fmt.Errorf("hydrate %s: no terminal transfer issued", clientAbs)
	}
	if xfer.status != StatusSuccess {
		return fmt.Errorf("hydrate %s: transfer failed with status 0x%08X", clientAbs, uint32(xfer.status))
	}

	entry.state &^= StateOffline
	if wholeFile {
		entry.state &^= StatePartial
	} else {
		entry.state |= StatePartial
	}
	return nil
}

func (d *SimDriver) Dehydrate(clientAbs string, offset, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		return fmt.Errorf("dehydrate %s: %w", clientAbs, ErrNotPlaceholder)
	}
	if !entry.state.Has(StateInSync) {
		return fmt.Errorf("dehydrate %s: entry is not in sync", clientAbs)
	}
	if entry.state.Has(StatePinned) {
		return fmt.Errorf("dehydrate %s: entry is pinned", clientAbs)
	}
	if !entry.dir {
		if err := os.Truncate(filepath.Clean(clientAbs), 0); err != nil {
			return err
		}
	}
	entry.state |= StateOffline
	entry.state &^= StatePartial
	return nil
}

func (d *SimDriver) UpdateIdentity(clientAbs, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		return fmt.Errorf("update identity %s: %w", clientAbs, ErrNotPlaceholder)
	}
	entry.identity = identity
	return nil
}

func (d *SimDriver) SetPinState(clientAbs string, pin PinState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		return fmt.Errorf("set pin state %s: %w", clientAbs, ErrNotFound)
	}
	switch pin {
	case PinPinned:
		entry.state |= StatePinned
		entry.state &^= StateUnpinned
	case PinUnpinned:
		entry.state |= StateUnpinned
		entry.state &^= StatePinned
	default:
		entry.state &^= StatePinned | StateUnpinned
	}
	return nil
}

func (d *SimDriver) State(clientAbs string) (State, error) {
	d.mu.Lock()
	entry, ok := d.entries[simKey(clientAbs)]
	d.mu.Unlock()
	if ok {
		return entry.state, nil
	}
	if _, err := os.Stat(clientAbs); err != nil {
		return 0, fmt.Errorf("state %s: %w", clientAbs, ErrNotFound)
	}
	return 0, nil // exists on disk, not a placeholder
}

func (d *SimDriver) Identity(clientAbs string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[simKey(clientAbs)]
	if !ok {
		return "", fmt.Errorf("identity %s: %w", clientAbs, ErrNotPlaceholder)
	}
	return entry.identity, nil
}

// Moved rekeys the entry and, for directories, every entry underneath it.
func (d *SimDriver) Moved(oldAbs, newAbs string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	oldKey := simKey(oldAbs)
	newKey := simKey(newAbs)
	prefix := oldKey + string(filepath.Separator)
	for k, entry := range d.entries {
		switch {
		case k == oldKey:
			delete(d.entries, k)
			d.entries[newKey] = entry
		case strings.HasPrefix(k, prefix):
			delete(d.entries, k)
			d.entries[newKey+k[len(oldKey):]] = entry
		}
	}
	return nil
}

// Removed drops the entry and, for directories, every entry underneath it.
func (d *SimDriver) Removed(clientAbs string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := simKey(clientAbs)
	prefix := key + string(filepath.Separator)
	for k := range d.entries {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(d.entries, k)
		}
	}
	return nil
}

// ReportShellChange records the notification for test inspection.
func (d *SimDriver) ReportShellChange(clientAbs string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shellPing = append(d.shellPing, filepath.Clean(clientAbs))
}

// ShellChanges returns the recorded shell notifications.
func (d *SimDriver) ShellChanges() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.shellPing))
	copy(out, d.shellPing)
	return out
}

var _ Driver = (*SimDriver)(nil)
