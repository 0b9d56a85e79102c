package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/ticktockdb/ticktock/internal/logging"
)

// ErrMissingKey is returned by the no-default accessors when the key is
// absent from both the config file and the override layer.
var ErrMissingKey = errors.New("config: missing key")

// Store is a thread-safe property bag loaded from a key=value config
// file. Lines starting with ';' or '#' are comments. Values set through
// AddOverride sit in viper's explicit-set layer and survive every
// Reload, taking precedence over file values.
//
// A Store is an explicit value threaded through the coordinator; only
// the process bootstrap is expected to hold one globally.
type Store struct {
	mu        sync.Mutex
	v         *viper.Viper
	path      string
	overrides map[string]string
	logger    *logging.Logger

	resolutionMS bool
	clusterOn    bool
	selfMeterOn  bool

	cancelReload context.CancelFunc
	wg           sync.WaitGroup
}

// NewStore creates a Store bound to the given config file path.
// Nothing is read until Init or Reload is called.
func NewStore(path string, logger *logging.Logger) *Store {
	return &Store{
		v:         viper.New(),
		path:      path,
		overrides: make(map[string]string),
		logger:    logger,
	}
}

// AddOverride records a key=value pair that overlays the config file
// after every reload. Meant for command-line options.
func (s *Store) AddOverride(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = value
	s.v.Set(name, value)
}

// Init loads the config file, derives process-wide settings, and, when
// config.reload.enabled is set, starts a periodic reload goroutine that
// runs until Close is called.
func (s *Store) Init() error {
	if err := s.Reload(); err != nil {
		return err
	}

	s.mu.Lock()
	s.resolutionMS = strings.HasPrefix(strings.ToLower(s.v.GetString(KeyResolution)), "milli")
	s.clusterOn = s.v.IsSet(KeyClusterServers)
	s.selfMeterOn = s.v.GetBool(KeySelfMeterEnabled)
	reload := s.v.GetBool(KeyReloadEnabled)
	s.mu.Unlock()

	if reload {
		freq := s.GetTimeDefault(KeyReloadFrequency, TimeUnitSecond, DefaultReloadFrequency)
		if freq <= 0 {
			return fmt.Errorf("invalid %s", KeyReloadFrequency)
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelReload = cancel
		s.wg.Add(1)
		go s.reloadLoop(ctx, time.Duration(freq)*time.Second)
	}

	return nil
}

// Close stops the periodic reload goroutine, if any.
func (s *Store) Close() {
	if s.cancelReload != nil {
		s.cancelReload()
		s.wg.Wait()
		s.cancelReload = nil
	}
}

func (s *Store) reloadLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("config reload failed", "path", s.path, "error", err)
			}
		}
	}
}

// Reload clears the property map and repopulates it from the config
// file, then overlays the overrides. The file is parsed before the
// mutex is taken; readers are blocked only while the new property set
// is built and swapped in.
func (s *Store) Reload() error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", s.path, err)
	}
	defer func() { _ = file.Close() }()

	props := make(map[string]interface{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		insertNested(props, strings.Split(strings.TrimSpace(key), "."), strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := viper.New()
	if err := v.MergeConfigMap(props); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	for name, value := range s.overrides {
		v.Set(name, value)
	}
	s.v = v
	return nil
}

// insertNested places value into m under the dotted key path, so that
// viper's nested lookup finds it.
func insertNested(m map[string]interface{}, path []string, value string) {
	for len(path) > 1 {
		child, ok := m[path[0]].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			m[path[0]] = child
		}
		m, path = child, path[1:]
	}
	m[path[0]] = value
}

// Exists reports whether the key is present in the file or overrides.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.IsSet(name)
}

func (s *Store) raw(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.IsSet(name) {
		return "", false
	}
	return s.v.GetString(name), true
}

// GetStr returns the string value of the key.
func (s *Store) GetStr(name string) (string, error) {
	value, ok := s.raw(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return value, nil
}

// GetStrDefault returns the string value of the key, or def when absent.
func (s *Store) GetStrDefault(name, def string) string {
	value, ok := s.raw(name)
	if !ok {
		return def
	}
	return value
}

// GetBool returns the boolean value of the key.
func (s *Store) GetBool(name string) (bool, error) {
	value, ok := s.raw(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return strconv.ParseBool(strings.TrimSpace(value))
}

// GetBoolDefault returns the boolean value of the key, or def when
// absent or unparsable.
func (s *Store) GetBoolDefault(name string, def bool) bool {
	value, ok := s.raw(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return b
}

// GetInt returns the integer value of the key.
func (s *Store) GetInt(name string) (int, error) {
	value, ok := s.raw(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

// GetIntDefault returns the integer value of the key, or def when
// absent or unparsable.
func (s *Store) GetIntDefault(name string, def int) int {
	value, ok := s.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns the float value of the key.
func (s *Store) GetFloat(name string) (float64, error) {
	value, ok := s.raw(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

// GetFloatDefault returns the float value of the key, or def when
// absent or unparsable.
func (s *Store) GetFloatDefault(name string, def float64) float64 {
	value, ok := s.raw(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return def
	}
	return f
}

// GetBytes returns the byte-size value of the key (K|M|G suffixes).
func (s *Store) GetBytes(name string) (uint64, error) {
	value, ok := s.raw(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return ParseBytes(value)
}

// GetBytesDefault returns the byte-size value of the key, falling back
// to parsing def when absent.
func (s *Store) GetBytesDefault(name, def string) uint64 {
	value, ok := s.raw(name)
	if !ok {
		value = def
	}
	n, err := ParseBytes(value)
	if err != nil {
		n, _ = ParseBytes(def)
	}
	return n
}

// GetTime returns the time value of the key converted to unit.
func (s *Store) GetTime(name string, unit TimeUnit) (int64, error) {
	value, ok := s.raw(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	return ParseTime(value, unit)
}

// GetTimeDefault returns the time value of the key converted to unit,
// falling back to parsing def when absent.
func (s *Store) GetTimeDefault(name string, unit TimeUnit, def string) int64 {
	value, ok := s.raw(name)
	if !ok {
		value = def
	}
	n, err := ParseTime(value, unit)
	if err != nil {
		n, _ = ParseTime(def, unit)
	}
	return n
}

// ResolutionMS reports whether timestamps are stored at millisecond
// resolution. Derived once at Init.
func (s *Store) ResolutionMS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolutionMS
}

// ClusterEnabled reports whether cluster.servers was present at Init.
func (s *Store) ClusterEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterOn
}

// SelfMeterEnabled reports whether internal metering was enabled at Init.
func (s *Store) SelfMeterEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfMeterOn
}

// DataDir resolves the data directory: tsdb.data.dir if set, else
// <ticktock.home>/data, else <cwd>/data.
func (s *Store) DataDir() string {
	if dir, ok := s.raw(KeyDataDir); ok {
		return dir
	}
	if home, ok := s.raw(KeyTicktockHome); ok {
		return filepath.Join(home, "data")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, "data")
}

// LogDir resolves the log directory: parent of log.file if set, else
// <ticktock.home>/log, else <cwd>/log.
func (s *Store) LogDir() string {
	if logFile, ok := s.raw(KeyLogFile); ok {
		dir := filepath.Dir(logFile)
		if dir == "." {
			cwd, _ := os.Getwd()
			return cwd
		}
		return dir
	}
	if home, ok := s.raw(KeyTicktockHome); ok {
		return filepath.Join(home, "log")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, "log")
}

// LogFile resolves the log file path: log.file if set, else
// <LogDir>/ticktock.log.
func (s *Store) LogFile() string {
	if logFile, ok := s.raw(KeyLogFile); ok {
		return logFile
	}
	return filepath.Join(s.LogDir(), "ticktock.log")
}
