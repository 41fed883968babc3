package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DEFAULT_FILE           = "rowstore.hcl"
	DEFAULT_BLOCK_SIZE     = 8192
	MIN_BLOCK_SIZE         = 1024
	MAX_BLOCK_SIZE         = 32768
	DEFAULT_MIN_BLOCK      = 32
	DEFAULT_CACHE_FRAMES   = 256
	DEFAULT_SEGMENT_SIZE   = 16 * 1024 * 1024
	DEFAULT_COMPRESS_BYTES = 512
)

func Default() *Config {
	return &Config{
		DataDir:              "data",
		LogDir:               "",
		BlockSize:            DEFAULT_BLOCK_SIZE,
		MinBlockLength:       DEFAULT_MIN_BLOCK,
		PageCacheFrames:      DEFAULT_CACHE_FRAMES,
		LogSegmentSize:       DEFAULT_SEGMENT_SIZE,
		LogCompressThreshold: DEFAULT_COMPRESS_BYTES,
		SyncOnCommit:         true,
		LogLevel:             "info",
		CheckpointInterval:   "0",
	}
}

// Load reads an HCL config file over the defaults. Keys that are not config variables
// are an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	c := Default()
	if err := c.decode(b); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

func (c *Config) decode(b []byte) error {
	var vars map[string]interface{}
	if err := hcl.Decode(&vars, string(b)); err != nil {
		return err
	}

	for name, val := range vars {
		if err := c.Set(name, val); err != nil {
			return err
		}
	}
	return nil
}

// Set assigns one config variable by its file name.
func (c *Config) Set(name string, val interface{}) error {
	var err error
	switch name {
	case "data_dir":
		err = setString(&c.DataDir, val)
	case "log_dir":
		err = setString(&c.LogDir, val)
	case "block_size":
		err = setInt(&c.BlockSize, val)
	case "min_block_length":
		err = setInt(&c.MinBlockLength, val)
	case "page_cache_frames":
		err = setInt(&c.PageCacheFrames, val)
	case "commit_cache_size":
		err = setInt(&c.CommitCacheSize, val)
	case "log_segment_size":
		err = setInt(&c.LogSegmentSize, val)
	case "log_compress_threshold":
		err = setInt(&c.LogCompressThreshold, val)
	case "sync_on_commit":
		b, ok := val.(bool)
		if !ok {
			return errors.Errorf("%s: expected boolean value; got %v", name, val)
		}
		c.SyncOnCommit = b
	case "log_level":
		err = setString(&c.LogLevel, val)
	case "checkpoint_interval":
		err = setString(&c.CheckpointInterval, val)
	default:
		return errors.Errorf("%s is not a config variable", name)
	}
	return errors.Wrap(err, name)
}

func setString(dst *string, val interface{}) error {
	s, ok := val.(string)
	if !ok {
		return errors.Errorf("expected string value; got %v", val)
	}
	*dst = s
	return nil
}

func setInt(dst *int, val interface{}) error {
	switch v := val.(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	default:
		return errors.Errorf("expected integer value; got %v", val)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is empty")
	}
	if c.BlockSize < MIN_BLOCK_SIZE || c.BlockSize > MAX_BLOCK_SIZE || c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Errorf("block_size %d is not a power of two between %d and %d", c.BlockSize, MIN_BLOCK_SIZE, MAX_BLOCK_SIZE)
	}
	if c.MinBlockLength < 0 || c.MinBlockLength > c.BlockSize/4 {
		return errors.Errorf("min_block_length %d is out of range", c.MinBlockLength)
	}
	if c.PageCacheFrames < 8 {
		return errors.Errorf("page_cache_frames %d is less than 8", c.PageCacheFrames)
	}
	if c.LogSegmentSize < c.BlockSize {
		return errors.Errorf("log_segment_size %d is smaller than a block", c.LogSegmentSize)
	}
	if c.LogCompressThreshold < 0 || c.CommitCacheSize < 0 {
		return errors.New("negative size")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.Checkpoints(); err != nil {
		return err
	}
	return nil
}

// Checkpoints is the time between automatic checkpoints, 0 when they are off.
func (c *Config) Checkpoints() (time.Duration, error) {
	if c.CheckpointInterval == "" || c.CheckpointInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CheckpointInterval)
	if err != nil {
		return 0, errors.Wrap(err, "checkpoint_interval")
	}
	if d < 0 {
		return 0, errors.Errorf("checkpoint_interval %s is negative", d)
	}
	return d, nil
}

// LogPath is the directory of the write-ahead log.
func (c *Config) LogPath() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return c.DataDir
}

type Config struct {
	DataDir              string
	LogDir               string
	BlockSize            int
	MinBlockLength       int
	PageCacheFrames      int
	CommitCacheSize      int
	LogSegmentSize       int
	LogCompressThreshold int
	SyncOnCommit         bool
	LogLevel             string
	CheckpointInterval   string
}
