package config

// Recognized configuration keys with their defaults.
const (
	KeyTicktockHome = "ticktock.home"
	KeyDataDir      = "tsdb.data.dir"
	KeyLogFile      = "log.file"
	KeyLogLevel     = "log.level"

	KeyPageCount         = "tsdb.page.count"
	KeyPageSize          = "tsdb.page.size"
	KeyCompressorVersion = "tsdb.compressor.version"
	KeyResolution        = "tsdb.timestamp.resolution"
	KeyRollupInterval    = "tsdb.rollup.interval"
	KeyCompactionEnabled = "tsdb.compaction.enabled"
	KeySelfMeterEnabled  = "tsdb.self_meter.enabled"
	KeyFlushFrequency    = "tsdb.flush.frequency"

	KeyAppendLogEnabled = "append.log.enabled"

	KeyReloadEnabled   = "config.reload.enabled"
	KeyReloadFrequency = "config.reload.frequency"

	KeyClusterServers = "cluster.servers"
)

const (
	DefaultPageCount         = 32768
	DefaultPageSize          = 4096
	DefaultCompressorVersion = 1
	DefaultRollupInterval    = "1h"
	DefaultReloadFrequency   = "5min"
	DefaultFlushFrequency    = "5min"
)
