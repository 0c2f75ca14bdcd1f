package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/events"
	"go.uber.org/zap"
)

// Service delivers operator alerts for pipeline events: quarantined facts,
// usage anomalies, stale ratings, and reversed outcomes. Delivery runs off the
// event bus, so a slow or down channel never stalls ingestion or rating.
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	// Alert channel adapters
	slack   *SlackAdapter
	webhook *WebhookAdapter

	// Retry queue
	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask represents an alert delivery task
type DeliveryTask struct {
	ID          string
	EventID     string
	EventType   string
	CustomerID  string
	Channel     string
	Payload     events.Event
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new alerting service
func NewService(config *Config, cacheClient *cache.Cache, logger *zap.Logger, bus *events.Bus) (*Service, error) {
	if !config.Enabled {
		logger.Info("alerting service is disabled")
		return &Service{
			config: config,
			logger: logger,
		}, nil
	}

	s := &Service{
		config:     config,
		cache:      cacheClient,
		logger:     logger,
		bus:        bus,
		retryQueue: make(chan *DeliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if config.SlackEnabled {
		s.slack = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack alerts enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.webhook = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("generic webhook alerts enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("alerting service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s, nil
}

// Start subscribes to pipeline events and starts the retry workers
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("alerting service is disabled, skipping start")
		return nil
	}

	s.logger.Info("starting alerting service")

	s.subscribeToEvents()

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("alerting service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
	)

	return nil
}

// Stop stops the alerting service gracefully
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.logger.Info("stopping alerting service")

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("alerting service stopped")
	return nil
}

// subscribeToEvents subscribes to the alertable event types
func (s *Service) subscribeToEvents() {
	// Ingestion problems
	s.bus.Subscribe(events.EventFactQuarantined, s.handleEvent)

	// Usage anomalies
	s.bus.Subscribe(events.EventUsageSpike, s.handleEvent)
	s.bus.Subscribe(events.EventUsageZero, s.handleEvent)

	// Billing risks
	s.bus.Subscribe(events.EventRatingStale, s.handleEvent)
	s.bus.Subscribe(events.EventOutcomeReversed, s.handleEvent)

	s.logger.Info("subscribed to event types",
		zap.Strings("events", []string{
			string(events.EventFactQuarantined),
			string(events.EventUsageSpike),
			string(events.EventUsageZero),
			string(events.EventRatingStale),
			string(events.EventOutcomeReversed),
		}),
	)
}

// handleEvent routes an event to the configured alert channels
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	s.logger.Debug("handling event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("customer_id", event.CustomerID),
	)

	// Bus redeliveries must not page twice.
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping",
			zap.String("event_id", event.ID),
		)
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			EventID:     event.ID,
			EventType:   string(event.Type),
			CustomerID:  event.CustomerID,
			Channel:     channel,
			Payload:     event,
			RetryCount:  0,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   time.Now(),
			LastAttempt: time.Now(),
		}

		if err := s.deliver(ctx, task); err != nil {
			s.logger.Error("delivery failed, enqueuing for retry",
				zap.String("event_id", event.ID),
				zap.String("channel", channel),
				zap.Error(err),
			)
			s.enqueueRetry(task)
		}
	}

	s.markProcessed(ctx, event.ID)

	return nil
}

// deliver delivers an alert to the specified channel
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	switch task.Channel {
	case "slack":
		if s.slack != nil {
			err = s.slack.Send(ctx, task.Payload)
		} else {
			err = fmt.Errorf("slack adapter not initialized")
		}

	case "webhook":
		if s.webhook != nil {
			err = s.webhook.Send(ctx, task.Payload)
		} else {
			err = fmt.Errorf("webhook adapter not initialized")
		}

	default:
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)

	if err != nil {
		s.metrics.RecordDelivery(task.Channel, task.EventType, "failed", duration)
		s.logger.Error("alert delivery failed",
			zap.String("event_id", task.EventID),
			zap.String("channel", task.Channel),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, task.EventType, "success", duration)
	s.logger.Info("alert delivered",
		zap.String("event_id", task.EventID),
		zap.String("event_type", task.EventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)

	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
		s.logger.Debug("task enqueued for retry",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	s.logger.Info("retry worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("retry worker stopping", zap.Int("worker_id", workerID))
			return

		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			if task.RetryCount > task.MaxRetries {
				s.logger.Error("max retries exceeded, giving up",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
				)
				continue
			}

			backoff := s.calculateBackoff(task.RetryCount)
			s.logger.Debug("retrying after backoff",
				zap.String("task_id", task.ID),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-s.stopChan:
				return
			case <-time.After(backoff):
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed, re-enqueuing",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
					zap.Error(err),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff calculates exponential backoff duration, capped at 5 minutes
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// isDuplicate checks if an event was already alerted on
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	key := fmt.Sprintf("alerts:processed:%s", eventID)
	n, err := s.cache.Exists(ctx, key)
	if err != nil {
		s.logger.Error("failed to check duplicate", zap.Error(err))
		return false
	}
	return n > 0
}

// markProcessed marks an event as alerted on
func (s *Service) markProcessed(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	key := fmt.Sprintf("alerts:processed:%s", eventID)
	if err := s.cache.Set(ctx, key, "1", 24*time.Hour); err != nil {
		s.logger.Error("failed to mark event as processed", zap.Error(err))
	}
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
