package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/transaction"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Settings configures an Engine. Only a data source is required: a
// Filename (a path, ":memory:" or ":temp:") or a DataStream.
type Settings struct {
	// Filename is the data file path or one of the reserved sources.
	Filename string `yaml:"filename"`
	// DataStream and LogStream replace the file backends. A DataStream
	// without a LogStream logs to memory.
	DataStream diskmanager.Backend `yaml:"-"`
	LogStream  diskmanager.Backend `yaml:"-"`

	// Password would enable page encryption, which is not supported.
	Password string `yaml:"password"`
	// Timeout bounds writer lock and checkpoint waits. Defaults to 1 minute.
	Timeout time.Duration `yaml:"timeout"`
	// InitialSize pre-allocates a new data file, in bytes.
	InitialSize int64 `yaml:"initial_size"`
	// LimitSize caps the data file, in bytes. 0 means unlimited.
	LimitSize int64 `yaml:"limit_size"`
	// LogLevel is the zap level of the built logger. Empty disables logging.
	LogLevel string `yaml:"log_level"`
	// UtcDate stores time values in UTC instead of local time.
	UtcDate bool `yaml:"utc_date"`
	// CheckpointOnShutdown runs a checkpoint in Close.
	CheckpointOnShutdown bool `yaml:"checkpoint_on_shutdown"`
	// ReadOnly rejects every mutation with ErrReadOnlyViolation.
	ReadOnly bool `yaml:"read_only"`

	// CheckpointSize is the number of logged pages that triggers an
	// automatic checkpoint. 0 means the default, a negative value disables it.
	CheckpointSize int `yaml:"checkpoint_size"`
	// CacheSize is the page cache capacity in pages.
	CacheSize int `yaml:"cache_size"`
	// ShrinkRate throttles the copy-back of Shrink, in bytes per second.
	// 0 means unthrottled.
	ShrinkRate int64 `yaml:"shrink_rate"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// Injected collaborators; built from the fields above when nil.
	Logger *zap.Logger  `yaml:"-"`
	Meter  metric.Meter `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`
}

// LoadSettings reads Settings from a YAML file.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: settings %s: %w", dberror.ErrInvalidArgument, path, err)
	}
	return s, nil
}

// withDefaults fills unset fields.
func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = transaction.DefaultTimeout
	}
	if s.CheckpointSize == 0 {
		s.CheckpointSize = transaction.DefaultCheckpointSize
	}
	if s.CacheSize <= 0 {
		s.CacheSize = memtable.DefaultCacheSize
	}
	return s
}

// validate checks the settings before anything is opened.
func (s Settings) validate() error {
	if s.Filename == "" && s.DataStream == nil {
		return fmt.Errorf("%w: a filename or data stream is required", dberror.ErrInvalidArgument)
	}
	if s.Password != "" {
		return fmt.Errorf("%w: encrypted data files", dberror.ErrUnsupported)
	}
	if s.InitialSize < 0 || s.LimitSize < 0 || s.ShrinkRate < 0 {
		return fmt.Errorf("%w: sizes and rates must not be negative", dberror.ErrInvalidArgument)
	}
	if s.LimitSize > 0 && s.LimitSize < pagemanager.MinLimitSize {
		return fmt.Errorf("%w: limit size %d is below the minimum of %d bytes", dberror.ErrInvalidArgument, s.LimitSize, pagemanager.MinLimitSize)
	}
	if s.LimitSize > 0 && s.InitialSize > s.LimitSize {
		return fmt.Errorf("%w: initial size %d exceeds limit size %d", dberror.ErrInvalidArgument, s.InitialSize, s.LimitSize)
	}
	return nil
}

// sourceName names the data source in logs.
func (s Settings) sourceName() string {
	if s.DataStream != nil {
		return s.DataStream.Name()
	}
	return s.Filename
}

// openBackends selects the data and log media.
func (s Settings) openBackends() (data, log diskmanager.Backend, err error) {
	if s.DataStream != nil {
		log = s.LogStream
		if log == nil {
			log = diskmanager.NewMemoryBackend(s.DataStream.Name() + "-log")
		}
		return s.DataStream, log, nil
	}

	data, err = diskmanager.Open(s.Filename, s.ReadOnly)
	if err != nil {
		return nil, nil, err
	}
	log, err = diskmanager.OpenLog(s.Filename, s.ReadOnly)
	if err != nil {
		if s.ReadOnly && errors.Is(err, dberror.ErrNotFound) {
			// No log was ever written next to this file.
			return data, diskmanager.NewMemoryBackend(s.Filename + "-log"), nil
		}
		data.Close()
		return nil, nil, err
	}
	return data, log, nil
}
