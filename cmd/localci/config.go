package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"localci/internal/infra/objectstore"
	"localci/internal/runtime/docker"
)

const (
	defaultListenAddr        = ":8080"
	defaultRepositoryRoot    = "/srv/localci/repositories"
	defaultKafkaBrokers      = "kafka:9092"
	defaultPushTopic         = "pushes"
	defaultNotificationTopic = "submissions"
	defaultKafkaGroupID      = "localci-gateway"
	defaultGradleImage       = "gradle:8.10-jdk21"
	defaultMavenImage        = "maven:3.9-eclipse-temurin-21"
	defaultLogBucket         = "build-logs"
)

type appConfig struct {
	ListenAddr     string
	NodeID         string
	RepositoryRoot string
	DatabaseURL    string
	MembershipFile string
	LogFormat      string
	LogLevel       string

	KafkaBrokers      []string
	PushTopic         string
	NotificationTopic string
	GroupID           string
	MaxParallel       int

	Docker      docker.Config
	ObjectStore objectstore.Config
}

func loadAppConfig(args []string) (appConfig, error) {
	hostname, _ := os.Hostname()

	cfg := appConfig{
		ListenAddr:        envOrDefault("LOCALCI_LISTEN_ADDR", defaultListenAddr),
		NodeID:            envOrDefault("LOCALCI_NODE_ID", hostname),
		RepositoryRoot:    envOrDefault("LOCALCI_REPOSITORY_ROOT", defaultRepositoryRoot),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MembershipFile:    os.Getenv("LOCALCI_MEMBERSHIP_FILE"),
		LogFormat:         envOrDefault("LOG_FORMAT", "json"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		KafkaBrokers:      parseBrokerList(envOrDefault("KAFKA_BROKERS", defaultKafkaBrokers)),
		PushTopic:         envOrDefault("KAFKA_PUSH_TOPIC", defaultPushTopic),
		NotificationTopic: envOrDefault("KAFKA_NOTIFICATION_TOPIC", defaultNotificationTopic),
		GroupID:           envOrDefault("KAFKA_GROUP_ID", defaultKafkaGroupID),
		MaxParallel:       parseMaxParallel(os.Getenv("BUILD_MAX_PARALLEL")),
		Docker:            dockerConfigFromEnv(),
		ObjectStore: objectstore.Config{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Region:    os.Getenv("MINIO_REGION"),
			UseSSL:    parseBool(os.Getenv("MINIO_USE_SSL")),
			Bucket:    envOrDefault("MINIO_BUCKET", defaultLogBucket),
		},
	}

	var brokers string
	flags := pflag.NewFlagSet("localci", pflag.ContinueOnError)
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address for hooks, cluster tasks and metrics")
	flags.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "cluster member id of this process")
	flags.StringVar(&cfg.RepositoryRoot, "repositories", cfg.RepositoryRoot, "directory the local repositories live under")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	flags.StringVar(&cfg.MembershipFile, "membership", cfg.MembershipFile, "YAML file listing remote build members")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (json or text)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level")
	flags.StringVar(&brokers, "kafka-brokers", strings.Join(cfg.KafkaBrokers, ","), "comma separated Kafka brokers")
	flags.StringVar(&cfg.PushTopic, "push-topic", cfg.PushTopic, "topic completed pushes are consumed from; empty disables the consumer")
	flags.StringVar(&cfg.NotificationTopic, "notification-topic", cfg.NotificationTopic, "topic submission notifications are published to")
	flags.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "builds this member runs concurrently")
	flags.DurationVar(&cfg.Docker.BuildTimeout, "build-timeout", cfg.Docker.BuildTimeout, "upper bound for a single build")
	if err := flags.Parse(args); err != nil {
		return appConfig{}, err
	}
	cfg.KafkaBrokers = parseBrokerList(brokers)
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	if cfg.DatabaseURL == "" {
		return appConfig{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.NodeID == "" {
		return appConfig{}, fmt.Errorf("LOCALCI_NODE_ID is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return appConfig{}, fmt.Errorf("at least one Kafka broker is required")
	}
	return cfg, nil
}

func dockerConfigFromEnv() docker.Config {
	return docker.Config{
		Toolchains: map[string]docker.ToolchainConfig{
			"gradle": {
				Image:       envOrDefault("GRADLE_IMAGE", defaultGradleImage),
				ResultsPath: os.Getenv("GRADLE_RESULTS_PATH"),
			},
			"maven": {
				Image:       envOrDefault("MAVEN_IMAGE", defaultMavenImage),
				ResultsPath: os.Getenv("MAVEN_RESULTS_PATH"),
			},
		},
		BuildTimeout:     parseDuration(os.Getenv("BUILD_TIMEOUT"), 0),
		MemoryLimitBytes: parseBytes(os.Getenv("BUILD_MEMORY_LIMIT")),
		NanoCPUs:         parseBytes(os.Getenv("BUILD_NANO_CPUS")),
		ScriptDir:        os.Getenv("BUILD_SCRIPT_DIR"),
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseBrokerList(raw string) []string {
	fields := strings.Split(raw, ",")
	brokers := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func parseMaxParallel(raw string) int {
	if raw == "" {
		return 1
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 1
	}
	return value
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func parseBytes(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(raw)
	return err == nil && value
}
