package miso

// misoconfig-section: Common Configuration
const (

	// misoconfig-prop: name of the application, used as the broker connection name
	PropAppName = "app.name"
)

// misoconfig-section: Logging Configuration
const (

	// misoconfig-prop: log level | info
	PropLoggingLevel = "logging.level"

	// misoconfig-prop: path to the rolling log file, logs are only written to stdout when it's empty
	PropLoggingRollingFile = "logging.rolling.file"

	// misoconfig-prop: max size of each log file (in mb) | 50
	PropLoggingRollingFileMaxSize = "logging.file.max-size"

	// misoconfig-prop: max age of log files (in days) | 0
	PropLoggingRollingFileMaxAge = "logging.file.max-age"

	// misoconfig-prop: max number of log files kept | 10
	PropLoggingRollingFileMaxBackups = "logging.file.max-backups"
)

// misoconfig-section: Misobus Configuration
const (

	// misoconfig-prop: broker used by misobus cli, `rabbitmq` or `kafka` | rabbitmq
	PropMisobusBroker = "misobus.broker"

	// misoconfig-prop: entity mappings verified by misobus cli (`slice of objects`)
	PropMisobusEntities = "misobus.entities"

	// misoconfig-prop: buffer size of each message source subscriber | 16
	PropMisobusSourceBuffer = "misobus.source.buffer"

	// misoconfig-prop: extra Rail context keys propagated through envelope properties (`slice of string`)
	PropMisobusTracePropagationKeys = "misobus.trace.propagation-keys"

	// misoconfig-prop: guard entity verification with a redis lock | false
	PropMisobusVerifyLockEnabled = "misobus.verify.lock.enabled"

	// misoconfig-prop: redis key of the entity verification lock | misobus:verify
	PropMisobusVerifyLockKey = "misobus.verify.lock.key"
)

// misoconfig-default-start
func init() {
	SetDefProp(PropAppName, "misobus")
	SetDefProp(PropLoggingLevel, "info")
	SetDefProp(PropLoggingRollingFileMaxSize, 50)
	SetDefProp(PropLoggingRollingFileMaxAge, 0)
	SetDefProp(PropLoggingRollingFileMaxBackups, 10)
	SetDefProp(PropMisobusBroker, "rabbitmq")
	SetDefProp(PropMisobusSourceBuffer, 16)
	SetDefProp(PropMisobusVerifyLockEnabled, false)
	SetDefProp(PropMisobusVerifyLockKey, "misobus:verify")
}

// misoconfig-default-end
