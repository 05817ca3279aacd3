package workflow

import (
	"time"

	"golang.org/x/time/rate"
)

// Pipeline defaults.
const (
	// DefaultSysBatchSize bounds one structural validation run.
	DefaultSysBatchSize = 10_000
	// DefaultAppBatchSize bounds one application validation run.
	DefaultAppBatchSize = 1_000
	// DefaultIntegrateBatchSize bounds one integration run.
	DefaultIntegrateBatchSize = 1_000
	// DefaultPublishBatchSize bounds one publish run.
	DefaultPublishBatchSize = 1_000
	// DefaultFetchBatchSize bounds the hashes requested per fetch.
	DefaultFetchBatchSize = 100
	// DefaultConcurrency bounds parallel validations.
	DefaultConcurrency = 8
	// DefaultRetryDelay is how long ops waiting on dependencies rest
	// before the next attempt.
	DefaultRetryDelay = 10 * time.Second
	// DefaultMinPublishInterval is the minimum time between publishes of
	// one authored op.
	DefaultMinPublishInterval = 5 * time.Minute
	// DefaultRequiredReceipts is how many distinct validators must send a
	// receipt before an authored op stops being republished.
	DefaultRequiredReceipts = 5
	// DefaultSessionTTL bounds a countersigning session.
	DefaultSessionTTL = 5 * time.Minute
)

// Settings tunes the pipeline. Zero fields take the defaults.
type Settings struct {
	SysBatchSize       int
	AppBatchSize       int
	IntegrateBatchSize int
	PublishBatchSize   int
	FetchBatchSize     int
	Concurrency        int
	RetryDelay         time.Duration
	MinPublishInterval time.Duration
	RequiredReceipts   int
	SessionTTL         time.Duration
	// PublishRate limits transport calls made by the publish workflow.
	// Zero means unlimited.
	PublishRate  rate.Limit
	PublishBurst int
}

// withDefaults fills zero fields.
func (s Settings) withDefaults() Settings {
	if s.SysBatchSize <= 0 {
		s.SysBatchSize = DefaultSysBatchSize
	}
	if s.AppBatchSize <= 0 {
		s.AppBatchSize = DefaultAppBatchSize
	}
	if s.IntegrateBatchSize <= 0 {
		s.IntegrateBatchSize = DefaultIntegrateBatchSize
	}
	if s.PublishBatchSize <= 0 {
		s.PublishBatchSize = DefaultPublishBatchSize
	}
	if s.FetchBatchSize <= 0 {
		s.FetchBatchSize = DefaultFetchBatchSize
	}
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.MinPublishInterval <= 0 {
		s.MinPublishInterval = DefaultMinPublishInterval
	}
	if s.RequiredReceipts <= 0 {
		s.RequiredReceipts = DefaultRequiredReceipts
	}
	if s.SessionTTL <= 0 {
		s.SessionTTL = DefaultSessionTTL
	}
	if s.PublishRate <= 0 {
		s.PublishRate = rate.Inf
	}
	if s.PublishBurst <= 0 {
		s.PublishBurst = 1
	}
	return s
}
