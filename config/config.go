package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/animal"
	"github.com/Ramsey-B/fern/pkg/colony"
	"github.com/Ramsey-B/fern/pkg/person"
	"github.com/Ramsey-B/fern/pkg/place"
)

type Config struct {
	AppName                       string   `yaml:"app_name" env:"APP_NAME" env-default:"fern-api"`
	Version                       string   `yaml:"version" env:"APP_VERSION" env-default:"dev"`
	Port                          int      `yaml:"port" env:"PORT" env-default:"3004"`
	LogLevel                      string   `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `yaml:"pretty_logs" env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `yaml:"http_write_timeout_seconds" env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `yaml:"http_read_timeout_seconds" env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `yaml:"http_idle_timeout_seconds" env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `yaml:"http_max_header_bytes" env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `yaml:"http_read_header_timeout_seconds" env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `yaml:"allow_origins" env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `yaml:"allow_methods" env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `yaml:"startup_max_attempts" env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// StoreDriver selects postgres or the in-process memory store
	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER" env-default:"postgres"`

	// PostgreSQL
	DatabaseDriver                string        `yaml:"db_driver" env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `yaml:"db_host" env:"DB_HOST" env-default:""`
	DatabasePort                  string        `yaml:"db_port" env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `yaml:"db_user_name" env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `yaml:"db_password" env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `yaml:"db_name" env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `yaml:"db_ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseReconnectRetryCount   int           `yaml:"db_reconnect_retry_count" env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	DatabaseMaxOpenConns          int           `yaml:"db_max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `yaml:"db_max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `yaml:"db_conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `yaml:"db_migration_folder_path" env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `yaml:"db_migration_version" env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `yaml:"db_migration_force" env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `yaml:"db_migration_auto_rollback" env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis locks and estimate cache
	RedisEnabled  bool          `yaml:"redis_enabled" env:"REDIS_ENABLED" env-default:"false"`
	RedisHost     string        `yaml:"redis_host" env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `yaml:"redis_port" env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
	RedisLockWait time.Duration `yaml:"redis_lock_wait" env:"REDIS_LOCK_WAIT" env-default:"5s"`

	// Graph Database (Memgraph/Neo4j)
	GraphEnabled    bool   `yaml:"graph_enabled" env:"GRAPH_ENABLED" env-default:"false"`
	GraphDBHost     string `yaml:"graph_db_host" env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `yaml:"graph_db_port" env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `yaml:"graph_db_user" env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `yaml:"graph_db_password" env:"GRAPH_DB_PASSWORD" env-default:""`

	// Kafka Consumer (intake records)
	KafkaBrokers         []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `yaml:"kafka_input_topic" env:"KAFKA_INPUT_TOPIC" env-default:"fern.intake"`
	KafkaConsumerGroup   string   `yaml:"kafka_consumer_group" env:"KAFKA_CONSUMER_GROUP" env-default:"fern-consumer"`
	KafkaConsumerEnabled bool     `yaml:"kafka_consumer_enabled" env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer settings
	KafkaProducerEnabled bool   `yaml:"kafka_producer_enabled" env:"KAFKA_PRODUCER_ENABLED" env-default:"true"`
	KafkaOutputTopic     string `yaml:"kafka_output_topic" env:"KAFKA_OUTPUT_TOPIC" env-default:"fern.decisions"`
	KafkaBatchSize       int    `yaml:"kafka_batch_size" env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int    `yaml:"kafka_batch_timeout_ms" env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int    `yaml:"kafka_required_acks" env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `yaml:"kafka_compression" env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Tracing
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`

	// Person resolution
	PersonContactUpdateThreshold float64       `yaml:"person_contact_update_threshold" env:"PERSON_CONTACT_UPDATE_THRESHOLD" env-default:"0.6"`
	PersonHouseholdThreshold     float64       `yaml:"person_household_threshold" env:"PERSON_HOUSEHOLD_THRESHOLD" env-default:"0.5"`
	PersonWeightedAutoThreshold  float64       `yaml:"person_weighted_auto_threshold" env:"PERSON_WEIGHTED_AUTO_THRESHOLD" env-default:"0.85"`
	PersonWeightedMinThreshold   float64       `yaml:"person_weighted_min_threshold" env:"PERSON_WEIGHTED_MIN_THRESHOLD" env-default:"0.6"`
	PersonEmailWeight            float64       `yaml:"person_email_weight" env:"PERSON_EMAIL_WEIGHT" env-default:"0.35"`
	PersonPhoneWeight            float64       `yaml:"person_phone_weight" env:"PERSON_PHONE_WEIGHT" env-default:"0.25"`
	PersonNameWeight             float64       `yaml:"person_name_weight" env:"PERSON_NAME_WEIGHT" env-default:"0.25"`
	PersonAddressWeight          float64       `yaml:"person_address_weight" env:"PERSON_ADDRESS_WEIGHT" env-default:"0.15"`
	MaxClaimRetries              int           `yaml:"max_claim_retries" env:"MAX_CLAIM_RETRIES" env-default:"3"`
	LockTTL                      time.Duration `yaml:"lock_ttl" env:"LOCK_TTL" env-default:"10s"`

	// Place deduplication
	PlaceStructuralPrefixLen     int     `yaml:"place_structural_prefix_len" env:"PLACE_STRUCTURAL_PREFIX_LEN" env-default:"8"`
	PlaceRooftopRadiusMeters     float64 `yaml:"place_rooftop_radius_meters" env:"PLACE_ROOFTOP_RADIUS_METERS" env-default:"25"`
	PlaceApproximateRadiusMeters float64 `yaml:"place_approximate_radius_meters" env:"PLACE_APPROXIMATE_RADIUS_METERS" env-default:"100"`
	PlaceProximityStringFloor    float64 `yaml:"place_proximity_string_floor" env:"PLACE_PROXIMITY_STRING_FLOOR" env-default:"0.55"`
	PlaceProximityReviewFloor    float64 `yaml:"place_proximity_review_floor" env:"PLACE_PROXIMITY_REVIEW_FLOOR" env-default:"0.45"`
	PlaceLegacyTextThreshold     float64 `yaml:"place_legacy_text_threshold" env:"PLACE_LEGACY_TEXT_THRESHOLD" env-default:"0.88"`
	PlaceLegacyScanLimit         int     `yaml:"place_legacy_scan_limit" env:"PLACE_LEGACY_SCAN_LIMIT" env-default:"5000"`
	PlacePersonFallbackFloor     float64 `yaml:"place_person_fallback_floor" env:"PLACE_PERSON_FALLBACK_FLOOR" env-default:"0.6"`

	// Animal resolution
	AnimalAppointmentWindowDays int     `yaml:"animal_appointment_window_days" env:"ANIMAL_APPOINTMENT_WINDOW_DAYS" env-default:"30"`
	AnimalReviewThreshold       float64 `yaml:"animal_review_threshold" env:"ANIMAL_REVIEW_THRESHOLD" env-default:"0.5"`
	AnimalAutoMergeEnabled      bool    `yaml:"animal_auto_merge_enabled" env:"ANIMAL_AUTO_MERGE_ENABLED" env-default:"false"`
	AnimalAutoMergeThreshold    float64 `yaml:"animal_auto_merge_threshold" env:"ANIMAL_AUTO_MERGE_THRESHOLD" env-default:"0.9"`
	AnimalNameWeight            float64 `yaml:"animal_name_weight" env:"ANIMAL_NAME_WEIGHT" env-default:"0.6"`
	AnimalPlaceWeight           float64 `yaml:"animal_place_weight" env:"ANIMAL_PLACE_WEIGHT" env-default:"0.25"`
	AnimalTimeWeight            float64 `yaml:"animal_time_weight" env:"ANIMAL_TIME_WEIGHT" env-default:"0.15"`

	// Colony aggregation
	ColonyFirsthandBoost        float64       `yaml:"colony_firsthand_boost" env:"COLONY_FIRSTHAND_BOOST" env-default:"0.05"`
	ColonyClinicBoost           float64       `yaml:"colony_clinic_boost" env:"COLONY_CLINIC_BOOST" env-default:"0.10"`
	ColonyClinicWindowDays      int           `yaml:"colony_clinic_window_days" env:"COLONY_CLINIC_WINDOW_DAYS" env-default:"7"`
	ColonyMultiSourceWindowDays int           `yaml:"colony_multi_source_window_days" env:"COLONY_MULTI_SOURCE_WINDOW_DAYS" env-default:"90"`
	ColonyAgreementTolerance    float64       `yaml:"colony_agreement_tolerance" env:"COLONY_AGREEMENT_TOLERANCE" env-default:"0.20"`
	ColonyMultiSourceBoost      float64       `yaml:"colony_multi_source_boost" env:"COLONY_MULTI_SOURCE_BOOST" env-default:"0.10"`
	ColonyCacheTTL              time.Duration `yaml:"colony_cache_ttl" env:"COLONY_CACHE_TTL" env-default:"5m"`
	ColonyCacheMaxEntries       int           `yaml:"colony_cache_max_entries" env:"COLONY_CACHE_MAX_ENTRIES" env-default:"10000"`
}

// Load reads an optional .env, then CONFIG_FILE (YAML with env overrides) or the environment alone
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every resolver policy and the store selection
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if err := c.Person().Validate(); err != nil {
		return err
	}
	if err := c.Place().Validate(); err != nil {
		return err
	}
	if err := c.Animal().Validate(); err != nil {
		return err
	}
	return c.Colony().Validate()
}

func (c *Config) Person() person.Config {
	return person.Config{
		ContactUpdateThreshold: c.PersonContactUpdateThreshold,
		HouseholdThreshold:     c.PersonHouseholdThreshold,
		WeightedAutoThreshold:  c.PersonWeightedAutoThreshold,
		WeightedMinThreshold:   c.PersonWeightedMinThreshold,
		Weights: person.Weights{
			Email:   c.PersonEmailWeight,
			Phone:   c.PersonPhoneWeight,
			Name:    c.PersonNameWeight,
			Address: c.PersonAddressWeight,
		},
		MaxClaimRetries: c.MaxClaimRetries,
		LockTTL:         c.LockTTL,
	}
}

func (c *Config) Place() place.Config {
	return place.Config{
		StructuralPrefixLen:     c.PlaceStructuralPrefixLen,
		RooftopRadiusMeters:     c.PlaceRooftopRadiusMeters,
		ApproximateRadiusMeters: c.PlaceApproximateRadiusMeters,
		ProximityStringFloor:    c.PlaceProximityStringFloor,
		ProximityReviewFloor:    c.PlaceProximityReviewFloor,
		LegacyTextThreshold:     c.PlaceLegacyTextThreshold,
		LegacyScanLimit:         c.PlaceLegacyScanLimit,
		PersonFallbackFloor:     c.PlacePersonFallbackFloor,
		MaxClaimRetries:         c.MaxClaimRetries,
	}
}

func (c *Config) Animal() animal.Config {
	return animal.Config{
		AppointmentWindowDays: c.AnimalAppointmentWindowDays,
		ReviewThreshold:       c.AnimalReviewThreshold,
		AutoMergeEnabled:      c.AnimalAutoMergeEnabled,
		AutoMergeThreshold:    c.AnimalAutoMergeThreshold,
		NameWeight:            c.AnimalNameWeight,
		PlaceWeight:           c.AnimalPlaceWeight,
		TimeWeight:            c.AnimalTimeWeight,
		MaxClaimRetries:       c.MaxClaimRetries,
		LockTTL:               c.LockTTL,
	}
}

func (c *Config) Colony() colony.Config {
	cfg := colony.DefaultConfig()
	cfg.FirsthandBoost = c.ColonyFirsthandBoost
	cfg.ClinicBoost = c.ColonyClinicBoost
	cfg.ClinicWindowDays = c.ColonyClinicWindowDays
	cfg.MultiSourceWindowDays = c.ColonyMultiSourceWindowDays
	cfg.AgreementTolerance = c.ColonyAgreementTolerance
	cfg.MultiSourceBoost = c.ColonyMultiSourceBoost
	cfg.CacheTTL = c.ColonyCacheTTL
	return cfg
}
