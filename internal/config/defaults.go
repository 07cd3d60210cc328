package config

const (
	defaultBasePath       = "~/.cache/huggingface/lerobot"
	defaultLogDir         = "~/.local/share/lerobot-merge/logs"
	defaultMergedName     = "aloha-merged"
	defaultOnConvertError = "skip"
	defaultSFTPPort       = 22
	defaultConnectTimeout = 30
	defaultMaxAttempts    = 4
	defaultRetryBaseDelay = 2
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
)

// OnConvertError policy values.
const (
	ConvertErrorSkip  = "skip"
	ConvertErrorAbort = "abort"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			BasePath: defaultBasePath,
			LogDir:   defaultLogDir,
		},
		Pipeline: Pipeline{
			MergedName:     defaultMergedName,
			OnConvertError: defaultOnConvertError,
		},
		SFTP: SFTP{
			Port:           defaultSFTPPort,
			ConnectTimeout: defaultConnectTimeout,
			MaxAttempts:    defaultMaxAttempts,
			RetryBaseDelay: defaultRetryBaseDelay,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
