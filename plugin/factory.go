package plugin

// Factory builds and tears down the instances of one plugin kind.
//
// Setup and Destroy may run on the config watcher goroutine during a hot
// reload, so implementations must not assume the caller's goroutine.
type Factory interface {
	// Type returns the plugin type, such as Directory.
	Type() Type

	// Name returns the factory name, such as "consul".
	Name() string

	Setup(v map[string]any) (Plugin, error)

	// Destroy releases what Setup acquired.
	Destroy(Plugin) error

	// Reload applies new settings in place. Returning an error makes the
	// manager recreate the instance instead.
	Reload(Plugin, map[string]any) error

	// CanDelete reports whether the instance may be destroyed right now.
	CanDelete(Plugin) bool
}

// _factoryMap is keyed by "<type>_<name>", guarded by _pluginLock.
var _factoryMap = make(map[string]Factory)
