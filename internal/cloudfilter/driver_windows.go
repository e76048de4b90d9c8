//go:build windows

package cloudfilter

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

var (
	modCldAPI  = windows.NewLazySystemDLL("cldapi.dll")
	modShell32 = windows.NewLazySystemDLL("shell32.dll")

	procCfConnectSyncRoot        = modCldAPI.NewProc("CfConnectSyncRoot")
	procCfDisconnectSyncRoot     = modCldAPI.NewProc("CfDisconnectSyncRoot")
	procCfCreatePlaceholders     = modCldAPI.NewProc("CfCreatePlaceholders")
	procCfConvertToPlaceholder   = modCldAPI.NewProc("CfConvertToPlaceholder")
	procCfSetInSyncState         = modCldAPI.NewProc("CfSetInSyncState")
	procCfHydratePlaceholder     = modCldAPI.NewProc("CfHydratePlaceholder")
	procCfDehydratePlaceholder   = modCldAPI.NewProc("CfDehydratePlaceholder")
	procCfUpdatePlaceholder      = modCldAPI.NewProc("CfUpdatePlaceholder")
	procCfSetPinState            = modCldAPI.NewProc("CfSetPinState")
	procCfGetPlaceholderInfo     = modCldAPI.NewProc("CfGetPlaceholderInfo")
	procCfExecute                = modCldAPI.NewProc("CfExecute")
	procSHChangeNotify           = modShell32.NewProc("SHChangeNotify")
)

const (
	syncRootManagerKey = `SOFTWARE\Microsoft\Windows\CurrentVersion\Explorer\SyncRootManager`

	// CF_CALLBACK_TYPE
	cfCallbackTypeFetchData       = 0
	cfCallbackTypeCancelFetchData = 2
	cfCallbackTypeNone            = 0xFFFFFFFF

	// CF_CONVERT_FLAGS
	cfConvertFlagMarkInSync = 0x1
	cfConvertFlagDehydrate  = 0x2

	// CF_CREATE_FLAGS
	cfCreateFlagStopOnError = 0x1

	// CF_PLACEHOLDER_CREATE_FLAGS
	cfPlaceholderCreateFlagDisableOnDemandPopulation = 0x1
	cfPlaceholderCreateFlagMarkInSync                = 0x2

	// CF_PIN_STATE
	cfPinStateUnspecified = 0
	cfPinStatePinned      = 1
	cfPinStateUnpinned    = 2
	cfPinStateExcluded    = 3
	cfPinStateInherit     = 4

	// CF_IN_SYNC_STATE
	cfInSyncStateNotInSync = 0
	cfInSyncStateInSync    = 1

	// CF_OPERATION_TYPE
	cfOperationTypeTransferData = 0

	// CF_PLACEHOLDER_INFO class
	cfPlaceholderInfoStandard = 1

	// File attribute bits the shell uses for pin intent.
	fileAttributePinned   = 0x00080000
	fileAttributeUnpinned = 0x00100000
	fileAttributeRecallOnDataAccess = 0x00400000

	// SHChangeNotify
	shcneUpdateItem = 0x00002000
	shcnfPathW      = 0x0005
)

// cfCallbackRegistration mirrors CF_CALLBACK_REGISTRATION.
type cfCallbackRegistration struct {
	Type     uint32
	Callback uintptr
}

// cfCallbackInfo mirrors the prefix of CF_CALLBACK_INFO we consume.
type cfCallbackInfo struct {
	StructSize       uint32
	ConnectionKey    uint64
	CallbackContext  uintptr
	VolumeGuidName   *uint16
	VolumeDosName    *uint16
	VolumeSerial     uint32
	SyncRootIdentity uintptr
	SyncRootIDLen    uint32
	SyncRootFileID   int64
	FileIdentity     uintptr
	FileIdentityLen  uint32
	FileID           int64
	FileSize         int64
	FileAttributes   uint32
	NormalizedPath   *uint16
	TransferKey      int64
	PriorityHint     uint8
	_                [7]byte
	CorrelationVec   uintptr
	ProcessInfo      uintptr
	RequestKey       int64
}

// cfCallbackFetchDataParams mirrors the FetchData member of
// CF_CALLBACK_PARAMETERS.
type cfCallbackFetchDataParams struct {
	ParamSize          uint32
	Flags              uint32
	RequiredFileOffset int64
	RequiredLength     int64
	OptionalFileOffset int64
	OptionalLength     int64
	LastDehydrationTime int64
	LastDehydrationReason uint32
}

// cfOperationInfo mirrors CF_OPERATION_INFO.
type cfOperationInfo struct {
	StructSize    uint32
	Type          uint32
	ConnectionKey uint64
	TransferKey   int64
	CorrelationVec uintptr
	SyncStatus    uintptr
	RequestKey    int64
}

// cfOperationTransferDataParams mirrors the TransferData member of
// CF_OPERATION_PARAMETERS.
type cfOperationTransferDataParams struct {
	ParamSize        uint32
	Flags            uint32
	CompletionStatus uint32
	_                uint32
	Buffer           uintptr
	Offset           int64
	Length           int64
}

// cfPlaceholderCreateInfo mirrors CF_PLACEHOLDER_CREATE_INFO.
type cfPlaceholderCreateInfo struct {
	RelativeFileName *uint16
	FsMetadata       cfFsMetadata
	FileIdentity     uintptr
	FileIdentityLen  uint32
	Flags            uint32
	Result           uintptr
	CreateUsn        int64
}

// cfFsMetadata mirrors CF_FS_METADATA.
type cfFsMetadata struct {
	BasicInfo windows.FILE_BASIC_INFO
	FileSize  int64
}

// WindowsDriver talks to the Windows cloud-files filter.
type WindowsDriver struct {
	mu       sync.Mutex
	conns    map[ConnectionKey]Callbacks
	fetchCb  uintptr
	cancelCb uintptr
}

// NewPlatformDriver returns the real filter driver.
func NewPlatformDriver() (Driver, error) {
	d := &WindowsDriver{conns: make(map[ConnectionKey]Callbacks)}
	d.fetchCb = syscall.NewCallback(d.onFetchData)
	d.cancelCb = syscall.NewCallback(d.onCancelFetchData)
	return d, nil
}

// RegisterSyncRoot writes the SyncRootManager registration. Re-registering
// an existing id refreshes its values.
func (d *WindowsDriver) RegisterSyncRoot(info SyncRootInfo) error {
	key, _, err := registry.CreateKey(registry.LOCAL_MACHINE,
		syncRootManagerKey+`\`+info.ID(), registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("create sync root key: %w", err)
	}
	defer key.Close()

	if err := key.SetStringValue("DisplayNameResource", info.DisplayName); err != nil {
		return err
	}
	if err := key.SetStringValue("IconResource", info.IconResource); err != nil {
		return err
	}
	if err := key.SetStringValue("Version", info.Version); err != nil {
		return err
	}
	if err := key.SetDWordValue("HydrationPolicy", 2); err != nil { // Full
		return err
	}
	if err := key.SetDWordValue("HydrationPolicyModifier", 4); err != nil { // AutoDehydrationAllowed
		return err
	}
	if err := key.SetDWordValue("PopulationPolicy", 3); err != nil { // AlwaysFull
		return err
	}
	if err := key.SetDWordValue("InSyncPolicy", 0x1|0x10); err != nil { // File+DirectoryCreationTime
		return err
	}
	if err := key.SetDWordValue("HardlinkPolicy", 0); err != nil { // None
		return err
	}

	userKey, _, err := registry.CreateKey(key, "UserSyncRoots", registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("create user sync roots key: %w", err)
	}
	defer userKey.Close()
	return userKey.SetStringValue(info.UserSID, info.ClientPath)
}

func (d *WindowsDriver) UnregisterSyncRoot(id string) error {
	if err := registry.DeleteKey(registry.LOCAL_MACHINE, syncRootManagerKey+`\`+id+`\UserSyncRoots`); err != nil && err != registry.ErrNotExist {
		return err
	}
	err := registry.DeleteKey(registry.LOCAL_MACHINE, syncRootManagerKey+`\`+id)
	if err == registry.ErrNotExist {
		return ErrNotRegistered
	}
	return err
}

func (d *WindowsDriver) IsSyncRootRegistered(id string) (bool, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, syncRootManagerKey+`\`+id, registry.QUERY_VALUE)
	if err == registry.ErrNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	key.Close()
	return true, nil
}

func (d *WindowsDriver) Connect(clientPath string, cb Callbacks) (ConnectionKey, error) {
	table := []cfCallbackRegistration{
		{Type: cfCallbackTypeFetchData, Callback: d.fetchCb},
		{Type: cfCallbackTypeCancelFetchData, Callback: d.cancelCb},
		{Type: cfCallbackTypeNone, Callback: 0}, // sentinel
	}

	pathPtr, err := windows.UTF16PtrFromString(clientPath)
	if err != nil {
		return 0, err
	}

	var key uint64
	hr, _, _ := procCfConnectSyncRoot.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&table[0])),
		0, // callback context
		0, // connect flags
		uintptr(unsafe.Pointer(&key)),
	)
	if hr != 0 {
		return 0, fmt.Errorf("CfConnectSyncRoot: HRESULT 0x%08X", uint32(hr))
	}

	d.mu.Lock()
	d.conns[ConnectionKey(key)] = cb
	d.mu.Unlock()
	return ConnectionKey(key), nil
}

func (d *WindowsDriver) Disconnect(key ConnectionKey) error {
	d.mu.Lock()
	_, ok := d.conns[key]
	delete(d.conns, key)
	d.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	hr, _, _ := procCfDisconnectSyncRoot.Call(uintptr(key))
	if hr != 0 {
		return fmt.Errorf("CfDisconnectSyncRoot: HRESULT 0x%08X", uint32(hr))
	}
	return nil
}

// onFetchData is invoked by the filter on a pool thread.
func (d *WindowsDriver) onFetchData(info *cfCallbackInfo, params uintptr) uintptr {
	// CF_CALLBACK_PARAMETERS starts with ParamSize; the union member follows.
	fetch := (*cfCallbackFetchDataParams)(unsafe.Pointer(params))

	identity := DecodeIdentity(unsafe.Slice((*byte)(unsafe.Pointer(info.FileIdentity)), info.FileIdentityLen))

	d.mu.Lock()
	cb, ok := d.conns[ConnectionKey(info.ConnectionKey)]
	d.mu.Unlock()
	if !ok || cb.FetchData == nil {
		return 0
	}

	cb.FetchData(FetchRequest{
		ConnectionKey:  ConnectionKey(info.ConnectionKey),
		TransferKey:    TransferKey(info.TransferKey),
		FileIdentity:   identity,
		RequiredOffset: fetch.RequiredFileOffset,
		RequiredLength: fetch.RequiredLength,
		RequestKey:     uint64(info.RequestKey),
	})
	return 0
}

func (d *WindowsDriver) onCancelFetchData(info *cfCallbackInfo, params uintptr) uintptr {
	identity := DecodeIdentity(unsafe.Slice((*byte)(unsafe.Pointer(info.FileIdentity)), info.FileIdentityLen))

	d.mu.Lock()
	cb, ok := d.conns[ConnectionKey(info.ConnectionKey)]
	d.mu.Unlock()
	if !ok || cb.CancelFetchData == nil {
		return 0
	}

	cb.CancelFetchData(CancelRequest{
		ConnectionKey: ConnectionKey(info.ConnectionKey),
		TransferKey:   TransferKey(info.TransferKey),
		FileIdentity:  identity,
	})
	return 0
}

func (d *WindowsDriver) execute(op *cfOperationInfo, params unsafe.Pointer) error {
	hr, _, _ := procCfExecute.Call(
		uintptr(unsafe.Pointer(op)),
		uintptr(params),
	)
	if hr != 0 {
		return fmt.Errorf("CfExecute: HRESULT 0x%08X", uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) TransferData(key ConnectionKey, transfer TransferKey, data []byte, offset int64) error {
	op := cfOperationInfo{
		Type:          cfOperationTypeTransferData,
		ConnectionKey: uint64(key),
		TransferKey:   int64(transfer),
	}
	op.StructSize = uint32(unsafe.Sizeof(op))

	params := cfOperationTransferDataParams{
		CompletionStatus: uint32(StatusSuccess),
		Buffer:           uintptr(unsafe.Pointer(&data[0])),
		Offset:           offset,
		Length:           int64(len(data)),
	}
	params.ParamSize = uint32(unsafe.Sizeof(params))

	return d.execute(&op, unsafe.Pointer(&params))
}

func (d *WindowsDriver) CompleteTransfer(key ConnectionKey, transfer TransferKey, offset, length int64, status Status) error {
	op := cfOperationInfo{
		Type:          cfOperationTypeTransferData,
		ConnectionKey: uint64(key),
		TransferKey:   int64(transfer),
	}
	op.StructSize = uint32(unsafe.Sizeof(op))

	params := cfOperationTransferDataParams{
		CompletionStatus: uint32(status),
		Offset:           offset,
		Length:           length,
	}
	params.ParamSize = uint32(unsafe.Sizeof(params))

	return d.execute(&op, unsafe.Pointer(&params))
}

func (d *WindowsDriver) CreatePlaceholder(clientAbs string, meta PlaceholderMeta) error {
	parent, name := splitParent(clientAbs)

	parentPtr, err := windows.UTF16PtrFromString(parent)
	if err != nil {
		return err
	}
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}

	identity := EncodeIdentity(meta.Identity)

	attrs := meta.Attributes
	if meta.IsDirectory {
		attrs |= windows.FILE_ATTRIBUTE_DIRECTORY
	}

	flags := uint32(cfPlaceholderCreateFlagMarkInSync)
	if meta.IsDirectory && meta.DisableOnDemandPopulation {
		flags |= cfPlaceholderCreateFlagDisableOnDemandPopulation
	}

	info := cfPlaceholderCreateInfo{
		RelativeFileName: namePtr,
		FsMetadata: cfFsMetadata{
			BasicInfo: windows.FILE_BASIC_INFO{
				CreationTime:   windows.NsecToFiletime(meta.CreationTime.UnixNano()),
				LastAccessTime: windows.NsecToFiletime(meta.LastAccess.UnixNano()),
				LastWriteTime:  windows.NsecToFiletime(meta.LastWrite.UnixNano()),
				ChangedTime:    windows.NsecToFiletime(meta.ChangeTime.UnixNano()),
				FileAttributes: attrs,
			},
			FileSize: meta.Size,
		},
		FileIdentity:    uintptr(unsafe.Pointer(&identity[0])),
		FileIdentityLen: uint32(len(identity)),
		Flags:           flags,
	}

	var processed uint32
	hr, _, _ := procCfCreatePlaceholders.Call(
		uintptr(unsafe.Pointer(parentPtr)),
		uintptr(unsafe.Pointer(&info)),
		1,
		cfCreateFlagStopOnError,
		uintptr(unsafe.Pointer(&processed)),
	)
	if hr != 0 {
		return fmt.Errorf("CfCreatePlaceholders %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	if info.Result != 0 {
		return fmt.Errorf("CfCreatePlaceholders %s: entry HRESULT 0x%08X", clientAbs, uint32(info.Result))
	}
	return nil
}

func (d *WindowsDriver) ConvertToPlaceholder(clientAbs, identity string, dehydrate bool) error {
	handle, err := openForWrite(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	blob := EncodeIdentity(identity)
	flags := uint32(cfConvertFlagMarkInSync)
	if dehydrate {
		flags |= cfConvertFlagDehydrate
	}

	hr, _, _ := procCfConvertToPlaceholder.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(&blob[0])),
		uintptr(len(blob)),
		uintptr(flags),
		0, // convert usn
		0, // overlapped
	)
	if hr != 0 {
		return fmt.Errorf("CfConvertToPlaceholder %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) SetInSync(clientAbs string, inSync bool) error {
	handle, err := openForAttributeWrite(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	state := uintptr(cfInSyncStateNotInSync)
	if inSync {
		state = cfInSyncStateInSync
	}

	hr, _, _ := procCfSetInSyncState.Call(uintptr(handle), state, 0, 0)
	if hr != 0 {
		return fmt.Errorf("CfSetInSyncState %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) Hydrate(clientAbs string, offset, length int64) error {
	handle, err := openForRead(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	hr, _, _ := procCfHydratePlaceholder.Call(
		uintptr(handle),
		uintptr(offset),
		uintptr(length),
		0, 0,
	)
	if hr != 0 {
		return fmt.Errorf("CfHydratePlaceholder %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) Dehydrate(clientAbs string, offset, length int64) error {
	handle, err := openForWrite(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	hr, _, _ := procCfDehydratePlaceholder.Call(
		uintptr(handle),
		uintptr(offset),
		uintptr(length),
		0, 0,
	)
	if hr != 0 {
		return fmt.Errorf("CfDehydratePlaceholder %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) UpdateIdentity(clientAbs, identity string) error {
	handle, err := openForWrite(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	blob := EncodeIdentity(identity)
	hr, _, _ := procCfUpdatePlaceholder.Call(
		uintptr(handle),
		0, // keep fs metadata
		uintptr(unsafe.Pointer(&blob[0])),
		uintptr(len(blob)),
		0, 0, // no dehydrate ranges
		0,    // update flags
		0, 0, // usn, overlapped
	)
	if hr != 0 {
		return fmt.Errorf("CfUpdatePlaceholder %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

func (d *WindowsDriver) SetPinState(clientAbs string, pin PinState) error {
	handle, err := openForAttributeWrite(clientAbs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	var state uintptr
	switch pin {
	case PinPinned:
		state = cfPinStatePinned
	case PinUnpinned:
		state = cfPinStateUnpinned
	case PinExcluded:
		state = cfPinStateExcluded
	case PinInherit:
		state = cfPinStateInherit
	default:
		state = cfPinStateUnspecified
	}

	hr, _, _ := procCfSetPinState.Call(uintptr(handle), state, 0, 0)
	if hr != 0 {
		return fmt.Errorf("CfSetPinState %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}
	return nil
}

// State derives the placeholder state vector from the entry's attributes
// and reparse tag without opening it for data access.
func (d *WindowsDriver) State(clientAbs string) (State, error) {
	pathPtr, err := windows.UTF16PtrFromString(clientAbs)
	if err != nil {
		return 0, err
	}

	var data windows.Win32FileAttributeData
	if err := windows.GetFileAttributesEx(pathPtr, windows.GetFileExInfoStandard, (*byte)(unsafe.Pointer(&data))); err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND || err == windows.ERROR_PATH_NOT_FOUND {
			return 0, fmt.Errorf("state %s: %w", clientAbs, ErrNotFound)
		}
		return 0, err
	}

	attrs := data.FileAttributes
	var s State
	if attrs&windows.FILE_ATTRIBUTE_REPARSE_POINT != 0 {
		s |= StatePlaceholder
	}
	if attrs&windows.FILE_ATTRIBUTE_OFFLINE != 0 || attrs&fileAttributeRecallOnDataAccess != 0 {
		s |= StateOffline
	}
	if attrs&fileAttributePinned != 0 {
		s |= StatePinned
	}
	if attrs&fileAttributeUnpinned != 0 {
		s |= StateUnpinned
	}
	if s.Has(StatePlaceholder) {
		if inSync, partial, err := d.placeholderStandardInfo(clientAbs); err == nil {
			if inSync {
				s |= StateInSync
			}
			if partial {
				s |= StatePartial
			}
		}
	}
	return s, nil
}

// cfPlaceholderStandardInfo mirrors CF_PLACEHOLDER_STANDARD_INFO minus the
// trailing variable-length identity.
type cfPlaceholderStandardInfo struct {
	OnDiskDataSize    int64
	ValidatedDataSize int64
	ModifiedDataSize  int64
	PropertiesSize    int64
	PinState          uint32
	InSyncState       uint32
	FileID            int64
	SyncRootFileID    int64
	FileIdentityLen   uint32
}

func (d *WindowsDriver) placeholderStandardInfo(clientAbs string) (inSync, partial bool, err error) {
	handle, err := openForRead(clientAbs)
	if err != nil {
		return false, false, err
	}
	defer windows.CloseHandle(handle)

	buf := make([]byte, int(unsafe.Sizeof(cfPlaceholderStandardInfo{}))+windows.MAX_PATH*2)
	var returned uint32
	hr, _, _ := procCfGetPlaceholderInfo.Call(
		uintptr(handle),
		cfPlaceholderInfoStandard,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&returned)),
	)
	if hr != 0 {
		return false, false, fmt.Errorf("CfGetPlaceholderInfo: HRESULT 0x%08X", uint32(hr))
	}

	info := (*cfPlaceholderStandardInfo)(unsafe.Pointer(&buf[0]))
	inSync = info.InSyncState == cfInSyncStateInSync
	partial = info.OnDiskDataSize > 0 && info.ValidatedDataSize < info.OnDiskDataSize
	return inSync, partial, nil
}

func (d *WindowsDriver) Identity(clientAbs string) (string, error) {
	handle, err := openForRead(clientAbs)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(handle)

	headerSize := int(unsafe.Sizeof(cfPlaceholderStandardInfo{}))
	buf := make([]byte, headerSize+windows.MAX_PATH*2)
	var returned uint32
	hr, _, _ := procCfGetPlaceholderInfo.Call(
		uintptr(handle),
		cfPlaceholderInfoStandard,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&returned)),
	)
	if hr != 0 {
		return "", fmt.Errorf("CfGetPlaceholderInfo %s: HRESULT 0x%08X", clientAbs, uint32(hr))
	}

	info := (*cfPlaceholderStandardInfo)(unsafe.Pointer(&buf[0]))
	end := headerSize + int(info.FileIdentityLen)
	if end > int(returned) {
		end = int(returned)
	}
	return DecodeIdentity(buf[headerSize:end]), nil
}

// Moved is a no-op: placeholder metadata travels inside the entry.
func (d *WindowsDriver) Moved(oldAbs, newAbs string) error { return nil }

// Removed is a no-op: deleting the entry deletes its metadata.
func (d *WindowsDriver) Removed(clientAbs string) error { return nil }

func (d *WindowsDriver) ReportShellChange(clientAbs string) {
	pathPtr, err := windows.UTF16PtrFromString(clientAbs)
	if err != nil {
		return
	}
	procSHChangeNotify.Call(
		shcneUpdateItem,
		shcnfPathW,
		uintptr(unsafe.Pointer(pathPtr)),
		0,
	)
}

// CleanupSyncRoots removes every SyncRootManager registration whose id
// starts with providerPrefix. Returns the number removed.
func CleanupSyncRoots(providerPrefix string) (int, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, syncRootManagerKey,
		registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
	if err != nil {
		return 0, err
	}
	defer key.Close()

	names, err := key.ReadSubKeyNames(-1)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		if len(name) < len(providerPrefix) || name[:len(providerPrefix)] != providerPrefix {
			continue
		}
		registry.DeleteKey(registry.LOCAL_MACHINE, syncRootManagerKey+`\`+name+`\UserSyncRoots`)
		if err := registry.DeleteKey(registry.LOCAL_MACHINE, syncRootManagerKey+`\`+name); err == nil {
			removed++
		}
	}
	return removed, nil
}

// openForRead opens the entry without triggering hydration.
func openForRead(path string) (windows.Handle, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(pathPtr,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT,
		0)
}

func openForWrite(path string) (windows.Handle, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0)
}

// openForAttributeWrite opens with attribute-write access and the
// reparse-point flag so reading does not trigger hydration.
func openForAttributeWrite(path string) (windows.Handle, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(pathPtr,
		windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT,
		0)
}

func splitParent(path string) (parent, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}

var _ Driver = (*WindowsDriver)(nil)
