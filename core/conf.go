package core

type Conf struct {
	Version            string `long:"version" description:"version of gst engine" env:"QFORGE_GST_VERSION"`
	DevMode            bool   `long:"dev-mode" description:"run in dev mode" env:"QFORGE_GST_DEV_MODE"`
	DisableStdoutLog   bool   `long:"disable-stdout-log" description:"do not log in standard output" env:"QFORGE_GST_DISABLE_STDOUT_LOG"`
	EnableFileLog      bool   `long:"enable-file-log" description:"enable log in file" env:"QFORGE_GST_ENABLE_FILE_LOG"`
	LogDir             string `long:"log-dir" description:"rotating log file dir" default:"./shares/logs" env:"QFORGE_GST_LOG_DIR"`
	LogLevel           string `long:"log-level" description:"log level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" env:"QFORGE_GST_LOG_LEVEL"`
	LogRotationMaxDays int    `long:"log-rotation-max-days" description:"max days of log rotation" default:"7" env:"QFORGE_GST_LOG_ROTATION_MAX_DAYS"`
	SettingPath        string `long:"setting-path" description:"run setting file path" default:"./setting/setting.toml" env:"QFORGE_GST_SETTING_PATH"`
	DataSetPath        string `long:"dataset-path" description:"dataset text file path" env:"QFORGE_GST_DATASET_PATH"`
	OutputPath         string `long:"output-path" description:"run summary output file path" env:"QFORGE_GST_OUTPUT_PATH"`
	Workers            int    `long:"workers" description:"objective evaluation workers, 0 means all CPUs" env:"QFORGE_GST_WORKERS"`
}
