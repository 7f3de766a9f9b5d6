// Command kitchen-feed читает события заказов из Kafka и печатает тикеты для кухни.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
)

type config struct {
	brokers    []string
	groupID    string
	topic      string
	dlqTopic   string
	clientID   string
	maxRetries int
	retryDelay time.Duration
	timezone   string
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		fail("kitchen feed failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flags := pflag.NewFlagSet("kitchen-feed", pflag.ContinueOnError)
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: BAKERY_KAFKA_BROKERS)")
	flags.StringVar(&cfg.groupID, "group", "bakery-kitchen", "consumer group id")
	flags.StringVar(&cfg.topic, "topic", kafka.TopicOrderEvents, "order events topic")
	flags.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic for unreadable events (empty disables)")
	flags.StringVar(&cfg.clientID, "client-id", "bakery-kitchen-feed", "kafka client id for DLQ producer")
	flags.IntVar(&cfg.maxRetries, "max-retries", 3, "handler retries before DLQ")
	flags.DurationVar(&cfg.retryDelay, "retry-delay", 100*time.Millisecond, "base delay between handler retries")
	flags.StringVar(&cfg.timezone, "tz", "Local", "timezone for ticket times")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv("BAKERY_KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (--brokers or BAKERY_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.groupID) == "" {
		return config{}, fmt.Errorf("group is required")
	}
	if strings.TrimSpace(cfg.topic) == "" {
		return config{}, fmt.Errorf("topic is required")
	}
	if cfg.maxRetries < 0 {
		return config{}, fmt.Errorf("max-retries must be >= 0")
	}
	if _, err := loadLocation(cfg.timezone); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	loc, err := loadLocation(cfg.timezone)
	if err != nil {
		return err
	}
	logger := log.WithField("component", "kitchen-feed")

	opts := []kafka.ConsumerOption{
		kafka.WithMaxRetries(cfg.maxRetries),
		kafka.WithRetryDelay(cfg.retryDelay),
		kafka.WithConsumerLogger(logger),
	}
	if cfg.dlqTopic != "" {
		producer, err := kafka.NewProducer(cfg.brokers, cfg.clientID)
		if err != nil {
			return fmt.Errorf("create dlq producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("failed to close dlq producer")
			}
		}()
		opts = append(opts, kafka.WithDLQ(producer, cfg.dlqTopic))
	}

	board := newTicketBoard(out, loc)
	consumer, err := kafka.NewConsumer(cfg.brokers, cfg.groupID, []string{cfg.topic}, board.Handle, opts...)
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func parseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
