package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the root configuration for capture tuning
// parameters. All fields are pointers so a partial JSON file only
// overrides what it names; the Get* methods supply defaults for the rest.
type TuningConfig struct {
	// Recording params
	JPEGQuality        *int `json:"jpeg_quality,omitempty"`
	FrameQueueCapacity *int `json:"frame_queue_capacity,omitempty"`

	// Event camera bias overrides, one set per camera in serial order.
	// Empty means hardware defaults for every camera.
	Biases []map[string]int `json:"biases,omitempty"`

	// Playback cache params
	CacheCapacity *int    `json:"cache_capacity,omitempty"`
	PrefetchAhead *int    `json:"prefetch_ahead,omitempty"`
	DecodeTimeout *string `json:"decode_timeout,omitempty"` // duration string like "200ms"

	// Unified buffer params
	TargetBufferSize  *int `json:"target_buffer_size,omitempty"`
	MaxLiveBufferSize *int `json:"max_live_buffer_size,omitempty"`
}

// Helper functions to create pointers
func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }

// DefaultTuningConfig returns a TuningConfig populated with the canonical
// defaults. Useful as a starting point for writing a config file.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		JPEGQuality:        ptrInt(90),
		FrameQueueCapacity: ptrInt(1000),
		CacheCapacity:      ptrInt(10000),
		PrefetchAhead:      ptrInt(5000),
		DecodeTimeout:      ptrString("200ms"),
		TargetBufferSize:   ptrInt(100),
		MaxLiveBufferSize:  ptrInt(500),
	}
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file fall back to defaults,
// so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.JPEGQuality != nil {
		if *c.JPEGQuality < 1 || *c.JPEGQuality > 100 {
			return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
		}
	}

	if c.FrameQueueCapacity != nil && *c.FrameQueueCapacity <= 0 {
		return fmt.Errorf("frame_queue_capacity must be positive, got %d", *c.FrameQueueCapacity)
	}

	if c.CacheCapacity != nil && *c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", *c.CacheCapacity)
	}

	if c.PrefetchAhead != nil && *c.PrefetchAhead < 0 {
		return fmt.Errorf("prefetch_ahead must be non-negative, got %d", *c.PrefetchAhead)
	}

	if c.DecodeTimeout != nil && *c.DecodeTimeout != "" {
		if _, err := time.ParseDuration(*c.DecodeTimeout); err != nil {
			return fmt.Errorf("invalid decode_timeout '%s': %w", *c.DecodeTimeout, err)
		}
	}

	if c.TargetBufferSize != nil && *c.TargetBufferSize <= 0 {
		return fmt.Errorf("target_buffer_size must be positive, got %d", *c.TargetBufferSize)
	}

	if c.MaxLiveBufferSize != nil && *c.MaxLiveBufferSize <= 0 {
		return fmt.Errorf("max_live_buffer_size must be positive, got %d", *c.MaxLiveBufferSize)
	}

	if c.TargetBufferSize != nil && c.MaxLiveBufferSize != nil &&
		*c.TargetBufferSize >= *c.MaxLiveBufferSize {
		return fmt.Errorf("target_buffer_size %d must be below max_live_buffer_size %d",
			*c.TargetBufferSize, *c.MaxLiveBufferSize)
	}

	return nil
}

// GetJPEGQuality returns the jpeg_quality value or the default.
func (c *TuningConfig) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 90 // default
	}
	return *c.JPEGQuality
}

// GetFrameQueueCapacity returns the frame_queue_capacity value or the default.
func (c *TuningConfig) GetFrameQueueCapacity() int {
	if c.FrameQueueCapacity == nil {
		return 1000 // default
	}
	return *c.FrameQueueCapacity
}

// GetCacheCapacity returns the cache_capacity value or the default.
func (c *TuningConfig) GetCacheCapacity() int {
	if c.CacheCapacity == nil {
		return 10000 // default
	}
	return *c.CacheCapacity
}

// GetPrefetchAhead returns the prefetch_ahead value or half the cache
// capacity when unset.
func (c *TuningConfig) GetPrefetchAhead() int {
	if c.PrefetchAhead == nil {
		return c.GetCacheCapacity() / 2
	}
	return *c.PrefetchAhead
}

// GetDecodeTimeout parses and returns the DecodeTimeout as a time.Duration.
func (c *TuningConfig) GetDecodeTimeout() time.Duration {
	if c.DecodeTimeout == nil || *c.DecodeTimeout == "" {
		return 200 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.DecodeTimeout)
	if err != nil {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetTargetBufferSize returns the target_buffer_size value or the default.
func (c *TuningConfig) GetTargetBufferSize() int {
	if c.TargetBufferSize == nil {
		return 100 // default
	}
	return *c.TargetBufferSize
}

// GetMaxLiveBufferSize returns the max_live_buffer_size value or the default.
func (c *TuningConfig) GetMaxLiveBufferSize() int {
	if c.MaxLiveBufferSize == nil {
		return 500 // default
	}
	return *c.MaxLiveBufferSize
}
