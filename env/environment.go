package env

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment is loaded from a .env YAML file for configurability.
type Environment struct {
	// DbName is the name of the record store database to open, following
	// sqlite3 syntax.
	DbName string
	// DataDirectory is where permanent chain artifacts are written
	// (ledger.json, ledger<N>.json, blockchain<N>.json).
	DataDirectory string
	// LogDirectory is where the rotating A/B snapshot files are written.
	LogDirectory string
	// MetricsAddr is the listen address for the prometheus /metrics
	// endpoint.
	MetricsAddr string
	// BlockCapacity is the number of blocks per blockchain bucket.  When
	// the active bucket index advances past a bucket, that bucket is
	// finalized to a permanent file.
	BlockCapacity int64
	// Smtp configures the outbound mail account used for subscription and
	// welcome notices.  Leaving Host empty disables real sending; notices
	// are logged instead.
	Smtp SmtpConfig
	// Jobs contains all the configuration for the scheduled jobs.
	Jobs JobConfig
}

type SmtpConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// JobConfig contains per-job enable flags.  Disabled jobs are simply never
// armed.
type JobConfig struct {
	// EnableStats enables the midnight public stats rollover.
	EnableStats bool
	// EnableBilling enables the midday subscription sweep.
	EnableBilling bool
	// EnableAutoresponder enables the 5pm welcome email series.
	EnableAutoresponder bool
	// EnableBackup enables the periodic snapshot and finalize loop.
	EnableBackup bool
	// BackupTick is how often the snapshot service checks its write
	// windows.  It should stay at the block production period; the write
	// windows assume a check twice a minute.
	BackupTick time.Duration
	// TransferURL is the endpoint of the funds transfer API used by the
	// billing sweep.
	TransferURL string
}

func LoadEnvironment() (*Environment, error) {
	e := &Environment{}
	data, err := os.ReadFile(".env")
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, e); err != nil {
		return nil, err
	}
	if e.BlockCapacity == 0 {
		e.BlockCapacity = 999
	}
	if e.Jobs.BackupTick == 0 {
		e.Jobs.BackupTick = 30 * time.Second
	}
	return e, nil
}
