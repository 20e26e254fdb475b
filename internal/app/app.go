// Package app wires the fern components from configuration and runs them.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/animal"
	"github.com/Ramsey-B/fern/pkg/colony"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/person"
	"github.com/Ramsey-B/fern/pkg/place"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

// App holds every wired component
type App struct {
	cfg    *config.Config
	logger ectologger.Logger

	Store     store.Store
	Ledger    *ledger.Ledger
	Places    *place.Resolver
	Persons   *person.Resolver
	Animals   *animal.Resolver
	Colony    *colony.Aggregator
	Review    *review.Service
	Processor *processor.Processor
	// Projector is nil when the graph is disabled
	Projector *graph.Projector
	Health    *health.Checker

	consumer *kafka.Consumer
	closers  []func(ctx context.Context) error
}

type options struct {
	store store.Store
}

type Option func(*options)

// WithStore replaces the configured store driver
func WithStore(st store.Store) Option {
	return func(o *options) {
		o.store = st
	}
}

// pinger adapts a connectivity check to health.Pinger
type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error {
	return p(ctx)
}

// New builds the application. Call Close to release what it opened.
func New(ctx context.Context, cfg *config.Config, logger ectologger.Logger, opts ...Option) (_ *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	provider, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
		ServiceName: cfg.AppName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, provider.Shutdown)

	if a.Store, err = a.openStore(ctx, o); err != nil {
		return nil, err
	}
	a.Health = health.NewChecker(a.Store, cfg.Version)

	var (
		locker resolution.Locker = resolution.NewLocalLocker()
		cache  colony.Cache      = colony.NewMemoryCache(cfg.ColonyCacheTTL, cfg.ColonyCacheMaxEntries)
	)
	if cfg.RedisEnabled {
		client, err := redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.Health.AddCheck("redis", client)

		locker = redis.NewLocker(client, "", cfg.RedisLockWait)
		cache = redis.NewEstimateCache(client, "", cfg.ColonyCacheTTL)
	}

	a.Ledger = ledger.New(logger, a.Store)
	a.Places = place.NewResolver(logger, a.Store, a.Ledger, cfg.Place(), place.WithLocker(locker))
	a.Persons = person.NewResolver(logger, a.Store, a.Ledger, a.Places, cfg.Person(), person.WithLocker(locker))
	a.Colony = colony.NewAggregator(logger, a.Store, a.Ledger, cfg.Colony(), colony.WithCache(cache))
	a.Animals = animal.NewResolver(logger, a.Store, a.Ledger, a.Places, cfg.Animal(), animal.WithLocker(locker), animal.WithEstimates(a.Colony))

	var notifiers events.Fanout
	if cfg.KafkaProducerEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		a.closers = append(a.closers, func(context.Context) error { return producer.Close() })
		notifiers = append(notifiers, events.NewEmitter(producer, logger))
	}

	if cfg.GraphEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.Health.AddCheck("graph", pinger(client.VerifyConnectivity))

		a.Projector = graph.NewProjector(client, logger)
		notifiers = append(notifiers, a.Projector)
	}

	a.Review = review.NewService(logger, a.Store, a.Ledger,
		review.WithPlaceInvalidator(a.Colony),
		review.WithNotifier(notifiers),
	)

	procOpts := []processor.Option{processor.WithNotifier(notifiers)}
	if a.Projector != nil {
		procOpts = append(procOpts, processor.WithProjector(a.Projector))
	}
	a.Processor = processor.NewProcessor(logger, a.Persons, a.Places, a.Animals, a.Colony, a.Ledger, procOpts...)

	if cfg.KafkaConsumerEnabled {
		a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, a.Processor.ProcessMessage)
		a.closers = append(a.closers, func(context.Context) error { return a.consumer.Stop() })
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context, o options) (store.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	if a.cfg.StoreDriver == "memory" {
		a.logger.WithContext(ctx).Warn("Using the in-process store; state is lost on restart")
		return memory.New(), nil
	}

	db, err := OpenDatabase(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return repositories.NewStore(db, a.logger), nil
}

// StartConsumer starts the intake consumer when one is configured
func (a *App) StartConsumer(ctx context.Context) error {
	if a.consumer == nil {
		return nil
	}
	a.Health.AddCheck("kafka", pinger(func(context.Context) error {
		if !a.consumer.Health() {
			return errors.New("consumer is not running")
		}
		return nil
	}))
	return a.consumer.Start(ctx)
}

// Close releases resources in reverse order of acquisition
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
