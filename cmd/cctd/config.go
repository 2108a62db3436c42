package main

import (
	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`
	LogLevel    string `env:"CCTD_LOG_LEVEL" env-default:"info"`

	// StorageBackend is one of blob, gcs or badger.
	StorageBackend string `env:"CCTD_STORAGE_BACKEND" env-default:"blob"`
	BucketURL      string `env:"CCTD_BUCKET_URL" env-default:"file:///tmp/cctd"`
	GCSBucket      string `env:"CCTD_GCS_BUCKET" env-default:"cct-snapshots"`
	BadgerPath     string `env:"CCTD_BADGER_PATH"`
	ReadWorkers    int    `env:"CCTD_READ_WORKERS" env-default:"4"`

	CollectTwoTimestamps bool     `env:"CCTD_TWO_TIMESTAMPS" env-default:"true"`
	IncludePatterns      []string `env:"CCTD_INCLUDE" env-separator:";"`
	ExcludePatterns      []string `env:"CCTD_EXCLUDE" env-separator:";"`

	KafkaBrokers        []string `env:"CCTD_KAFKA_BROKERS" env-separator:","`
	EventsKafkaTopic    string   `env:"CCTD_EVENTS_TOPIC" env-default:"cct-events"`
	ConsumerGroup       string   `env:"CCTD_CONSUMER_GROUP" env-default:"cctd"`
	SnapshotsKafkaTopic string   `env:"CCTD_SNAPSHOTS_TOPIC" env-default:"cct-snapshots"`

	PeerURL string `env:"CCTD_PEER_URL"`

	BigQueryProject string `env:"CCTD_BIGQUERY_PROJECT"`
	BigQueryDataset string `env:"CCTD_BIGQUERY_DATASET" env-default:"profiling"`
	BigQueryTable   string `env:"CCTD_BIGQUERY_TABLE" env-default:"call_sites"`
}

func loadConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
