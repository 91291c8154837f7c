package core

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var config *CoreConfig

type CoreConfig struct {
	Path string `yaml:"path"` // 设备文件路径，为空时使用内存设备

	BlockSize          uint64 `yaml:"block_size"`
	DeviceSize         uint64 `yaml:"device_size"`
	MutationThreshold  int    `yaml:"mutation_threshold"`    // 单个事务的mutation上限，超过后commit-and-continue
	AllocateMaxTxnSize int    `yaml:"allocate_max_txn_size"` // allocate单个事务的mutation上限
	WriteAttrBatchSize uint64 `yaml:"write_attr_batch_size"` // 写side attribute时每批的字节数
	VerifyChecksums    bool   `yaml:"verify_checksums"`
	CacheBlocks        uint16 `yaml:"cache_blocks"` // 每个bucket缓存的块数，0表示不开启块缓存
	JournalLevel       int    `yaml:"journal_level"`

	Debug        bool          `yaml:"debug"`
	LogFormat    string        `yaml:"log_format"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

func DefaultConfig() *CoreConfig {
	return &CoreConfig{
		BlockSize:          4096,
		DeviceSize:         64 << 20,
		MutationThreshold:  200,
		AllocateMaxTxnSize: 256,
		WriteAttrBatchSize: 512 << 10,
		JournalLevel:       3,
		LogFormat:          "human",
		ReapInterval:       30 * time.Second,
	}
}

func Init(c *CoreConfig) {
	config = c
}

func Conf() *CoreConfig {
	if config == nil {
		return DefaultConfig()
	}
	return config
}

// LoadConfig 从yaml文件加载配置，未设置的字段使用默认值
func LoadConfig(path string) (*CoreConfig, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CoreConfig) Validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return Errorf(ERR_INVALID_ARGS, "block size %d must be a power of two", c.BlockSize)
	}
	if c.DeviceSize%c.BlockSize != 0 {
		return Errorf(ERR_INVALID_ARGS, "device size %d not a multiple of block size", c.DeviceSize)
	}
	if c.MutationThreshold <= 0 || c.AllocateMaxTxnSize <= 0 {
		return Errorf(ERR_INVALID_ARGS, "transaction thresholds must be positive")
	}
	return nil
}
