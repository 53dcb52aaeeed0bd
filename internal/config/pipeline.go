package config

import (
	"strings"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/spf13/viper"
)

type RelinkPolicy string

const (
	// RelinkOverwrite lets the most recent /link win; the replaced binding goes to the audit log.
	RelinkOverwrite RelinkPolicy = "overwrite"
	// RelinkReject refuses to bind an actor that is already linked to another identity.
	RelinkReject RelinkPolicy = "reject"
)

// PipelineConfig holds the harvest pipeline, ledger and cache settings.
type PipelineConfig struct {
	BatchSize         int
	FlushInterval     time.Duration
	MaxFlushRetries   int
	RetryBackoff      time.Duration
	MaxReplayAttempts int
	AsyncFlush        bool
	QueueDepth        int
	SpoolPath         string
	StoreTimeout      time.Duration
	TrackedKinds      []models.ResourceKind
	RewardItem        models.ResourceKind
	RelinkPolicy      RelinkPolicy
	CacheTTL          time.Duration
	CacheKeyPrefix    string
	DisplayChannel    string
	CurrencyName      string
}

func setPipelineDefaults() {
	viper.SetDefault("harvest.batch_size", 100)
	viper.SetDefault("harvest.flush_interval", time.Duration(0))
	viper.SetDefault("harvest.max_flush_retries", 3)
	viper.SetDefault("harvest.retry_backoff", 500*time.Millisecond)
	viper.SetDefault("harvest.max_replay_attempts", 10)
	viper.SetDefault("harvest.async_flush", true)
	viper.SetDefault("harvest.queue_depth", 64)
	viper.SetDefault("harvest.spool_path", "./data/spool.db")
	viper.SetDefault("harvest.tracked_kinds", kindsToStrings(models.DefaultTrackedKinds))
	viper.SetDefault("ledger.reward_item", "mats")
	viper.SetDefault("ledger.currency_name", "Mats")
	viper.SetDefault("database.statement_timeout", 5*time.Second)
	viper.SetDefault("link.relink_policy", string(RelinkOverwrite))
	viper.SetDefault("cache.ttl", 24*time.Hour)
	viper.SetDefault("cache.key_prefix", "matsledger:balance:")
	viper.SetDefault("cache.display_channel", "matsledger:display")
}

// LoadPipelineConfig reads pipeline settings from viper, applying defaults.
func LoadPipelineConfig() *PipelineConfig {
	setPipelineDefaults()

	batchSize := viper.GetInt("harvest.batch_size")
	if batchSize <= 0 {
		batchSize = 100
	}

	policy := RelinkPolicy(strings.ToLower(viper.GetString("link.relink_policy")))
	if policy != RelinkReject {
		policy = RelinkOverwrite
	}

	return &PipelineConfig{
		BatchSize:         batchSize,
		FlushInterval:     viper.GetDuration("harvest.flush_interval"),
		MaxFlushRetries:   viper.GetInt("harvest.max_flush_retries"),
		RetryBackoff:      viper.GetDuration("harvest.retry_backoff"),
		MaxReplayAttempts: viper.GetInt("harvest.max_replay_attempts"),
		AsyncFlush:        viper.GetBool("harvest.async_flush"),
		QueueDepth:        viper.GetInt("harvest.queue_depth"),
		SpoolPath:         viper.GetString("harvest.spool_path"),
		StoreTimeout:      viper.GetDuration("database.statement_timeout"),
		TrackedKinds:      parseKinds(viper.GetStringSlice("harvest.tracked_kinds")),
		RewardItem:        models.NormalizeKind(viper.GetString("ledger.reward_item")),
		RelinkPolicy:      policy,
		CacheTTL:          viper.GetDuration("cache.ttl"),
		CacheKeyPrefix:    viper.GetString("cache.key_prefix"),
		DisplayChannel:    viper.GetString("cache.display_channel"),
		CurrencyName:      viper.GetString("ledger.currency_name"),
	}
}

// parseKinds accepts either a list or a single comma separated env value.
func parseKinds(raw []string) []models.ResourceKind {
	var kinds []models.ResourceKind
	for _, entry := range raw {
		for _, k := range strings.Split(entry, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kinds = append(kinds, models.NormalizeKind(k))
		}
	}
	return kinds
}

func kindsToStrings(kinds []models.ResourceKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
