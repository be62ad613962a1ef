package config

// Backend is the platform-native key/value store behind the config layer.
// Darwin stores keys in UserDefaults through the defaults CLI; everything
// else uses a JSON file under the XDG config directory. Missing keys are
// reported through ok, not an error.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
