package sim

// BlockManagerConfig groups KV-cache pool parameters (spec §6
// "Configuration").
type BlockManagerConfig struct {
	NumKVCacheBlocks int `yaml:"num_kvcache_blocks"`
	KVCacheBlockSize int `yaml:"kvcache_block_size"`
}

// Config is the top-level recognized configuration for constructing a
// Scheduler (and the BlockManager it owns), matching spec §6's five
// recognized options. Grouped the way the teacher's sim/config.go groups
// KVCacheConfig/BatchConfig: one struct per concern, assembled by the
// driver.
type Config struct {
	BlockManager BlockManagerConfig `yaml:"block_manager"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

// NewSchedulerFromConfig constructs a Scheduler from a Config, the entry
// point the cmd/ driver uses after loading YAML.
func NewSchedulerFromConfig(cfg Config) *Scheduler {
	return NewScheduler(cfg.Scheduler, cfg.BlockManager.NumKVCacheBlocks, cfg.BlockManager.KVCacheBlockSize)
}
