package miso

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	// regex for arg expansion
	resolveArgRegexp = regexp.MustCompile(`\${[a-zA-Z0-9\\-\\_\.]+}`)

	defPropMu       sync.Mutex
	setDefPropFuncs []func() (k string, defVal any)
)

// Viper backed configuration.
//
// Use NewAppConfig() to create one, default values registered through SetDefProp are applied on creation.
type AppConfig struct {
	vp   *viper.Viper
	rwmu *sync.RWMutex
}

// Create new AppConfig with registered default values.
func NewAppConfig() *AppConfig {
	a := &AppConfig{
		vp:   viper.New(),
		rwmu: &sync.RWMutex{},
	}
	defPropMu.Lock()
	defer defPropMu.Unlock()
	for _, f := range setDefPropFuncs {
		a.SetDefProp(f())
	}
	return a
}

// Register default value for the prop, it's applied to every AppConfig created afterwards.
//
// Usually called in init func of the package that owns the prop.
func SetDefProp(prop string, defVal any) {
	defPropMu.Lock()
	defer defPropMu.Unlock()
	setDefPropFuncs = append(setDefPropFuncs, func() (string, any) { return prop, defVal })
}

// Set value for the prop
func (a *AppConfig) SetProp(prop string, val any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.Set(prop, val)
}

// Set default value for the prop
func (a *AppConfig) SetDefProp(prop string, defVal any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetDefault(prop, defVal)
}

// Get prop as string slice
func (a *AppConfig) GetPropStrSlice(prop string) []string {
	return returnWithReadLock(a, func() []string { return a.vp.GetStringSlice(prop) })
}

// Get prop as int
func (a *AppConfig) GetPropInt(prop string) int {
	return returnWithReadLock(a, func() int { return a.vp.GetInt(prop) })
}

// Get prop as time.Duration
func (a *AppConfig) GetPropDur(prop string, unit time.Duration) time.Duration {
	return time.Duration(a.GetPropInt(prop)) * unit
}

// Get prop as bool
func (a *AppConfig) GetPropBool(prop string) bool {
	return returnWithReadLock(a, func() bool { return a.vp.GetBool(prop) })
}

/*
Get prop as string

If the value is an argument that can be expanded, the actual value will be resolved if possible.

e.g, for "password" : "${RABBITMQ_PASSWORD}".

This func will attempt to resolve the actual value for '${RABBITMQ_PASSWORD}'.
*/
func (a *AppConfig) GetPropStr(prop string) string {
	return a.ResolveArg(returnWithReadLock(a, func() string { return a.vp.GetString(prop) }))
}

// Unmarshal configuration from a speicific key.
func (a *AppConfig) UnmarshalFromPropKey(key string, ptr any) error {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	if err := a.vp.UnmarshalKey(key, ptr); err != nil {
		return fmt.Errorf("failed to unmarshal prop '%v', %w", key, err)
	}
	return nil
}

// Overwrite existing conf using environment and cli args.
func (a *AppConfig) OverwriteConf(args []string) {
	a.overwriteConf(ArgKeyVal(args))
}

// Load config from io Reader.
//
// It's the caller's responsibility to close the provided reader.
//
// Calling this method overides previously loaded config.
func (a *AppConfig) LoadConfigFromReader(reader io.Reader) error {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetConfigType("yml")
	if err := a.vp.MergeConfig(reader); err != nil {
		return fmt.Errorf("failed to load config from reader: %v", err)
	}
	return nil
}

// Load config from string.
//
// Calling this method overides previously loaded config.
func (a *AppConfig) LoadConfigFromStr(s string) error {
	return a.LoadConfigFromReader(bytes.NewReader([]byte(s)))
}

// Load config from file.
//
// Calling this method overides previously loaded config.
func (a *AppConfig) LoadConfigFromFile(configFile string) error {
	if configFile == "" {
		return nil
	}

	f, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unable to find config file: '%s'", configFile)
		}
		return fmt.Errorf("failed to open config file: '%s', %v", configFile, err)
	}
	defer f.Close()

	if err := a.LoadConfigFromReader(f); err != nil {
		return fmt.Errorf("failed to load config file: '%s', %v", configFile, err)
	}
	Debugf("Loaded config file: '%v'", configFile)
	return nil
}

func (a *AppConfig) overwriteConf(kvs map[string][]string) {
	for k, v := range kvs {
		if len(v) == 1 {
			a.SetProp(k, v[0])
		} else {
			a.SetProp(k, v)
		}
	}
}

// Resolve argument, e.g., for arg like '${someArg}', it will in fact look for 'someArg' in os.Env
func (a *AppConfig) ResolveArg(arg string) string {
	return resolveArgRegexp.ReplaceAllStringFunc(arg, func(s string) string {
		key := s[2 : len(s)-1]
		val := os.Getenv(key)

		if val == "" {
			val = returnWithReadLock(a, func() string { return a.vp.GetString(key) })
		}

		if val == "" {
			val = s
		}
		return val
	})
}

func returnWithReadLock[T any](a *AppConfig, f func() T) T {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return f()
}

// Parse CLI args to key-value map
func ArgKeyVal(args []string) map[string][]string {
	m := map[string][]string{}
	for _, s := range args {
		eq := strings.Index(s, "=")
		if eq == -1 {
			continue
		}

		key := strings.TrimSpace(s[:eq])
		val := strings.TrimSpace(s[eq+1:])
		if prev, ok := m[key]; ok {
			m[key] = append(prev, val)
		} else {
			m[key] = []string{val}
		}
	}
	return m
}
