package config

// ConfigBackend is where persisted config keys live: UserDefaults on macOS,
// a YAML file elsewhere. Getters report ok=false for keys never set.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	// Set stores a string, int or bool.
	Set(key string, val any) error
	Delete(key string) error
}
