package config

// Defaulter is implemented by configurations that have defaults for keys a
// YAML file may omit. SetDefaults runs before every decode, so a reload
// that drops a key falls back to its default.
type Defaulter interface {
	SetDefaults()
}

func applyDefaults(config Config) {
	if d, ok := config.(Defaulter); ok {
		d.SetDefaults()
	}
}
