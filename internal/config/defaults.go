package config

const (
	defaultDataDir              = "~/.local/share/cloudsync"
	defaultLogDir               = "~/.local/share/cloudsync/logs"
	defaultSessionFile          = "~/.config/cloudsync/session.json"
	defaultMaxFileSizeMB        = 500
	defaultJobTimeoutSeconds    = 3600
	defaultItemTimeoutSeconds   = 300
	defaultPollIntervalMillis   = 250
	defaultConflictPolicy       = PolicyKeepNewest
	defaultMaxConcurrent        = 3
	defaultStaleAfterSeconds    = 900
	defaultSweepIntervalSeconds = 60
	defaultRequestsPerSecond    = 5.0
	defaultPageSize             = 200
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogMaxSizeMB         = 20
	defaultLogMaxBackups        = 5
	defaultLogMaxAgeDays        = 30
)

// Conflict policy names accepted by sync.conflict_policy.
const (
	PolicyKeepNewest = "keep_newest"
	PolicyKeepBoth   = "keep_both"
)

var defaultAudioMimeTypes = []string{
	"audio/mpeg",
	"audio/mp4",
	"audio/x-m4a",
	"audio/flac",
	"audio/x-flac",
	"audio/ogg",
	"audio/opus",
	"audio/wav",
	"audio/x-wav",
	"audio/aac",
}

var defaultAudioExtensions = []string{
	".mp3", ".m4a", ".flac", ".ogg", ".opus", ".wav", ".aac", ".alac", ".wma",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			SessionFile: defaultSessionFile,
		},
		Sync: Sync{
			MaxFileSizeMB:      defaultMaxFileSizeMB,
			AudioMimeTypes:     append([]string(nil), defaultAudioMimeTypes...),
			AudioExtensions:    append([]string(nil), defaultAudioExtensions...),
			JobTimeoutSeconds:  defaultJobTimeoutSeconds,
			ItemTimeoutSeconds: defaultItemTimeoutSeconds,
			PollIntervalMillis: defaultPollIntervalMillis,
			ConflictPolicy:     defaultConflictPolicy,
		},
		Queue: Queue{
			MaxConcurrent:        defaultMaxConcurrent,
			StaleAfterSeconds:    defaultStaleAfterSeconds,
			SweepIntervalSeconds: defaultSweepIntervalSeconds,
		},
		Provider: Provider{
			RequestsPerSecond: defaultRequestsPerSecond,
			PageSize:          defaultPageSize,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Completed:      true,
			Failed:         true,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
