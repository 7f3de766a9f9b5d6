// Command dlq-replay переигрывает сообщения из DLQ обратно в рабочие топики.
//
// По умолчанию выполняется пробный прогон: сообщения читаются и разбираются,
// но не отправляются. Отправка включается флагом --execute.
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

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
)

type config struct {
	brokers      []string
	clientID     string
	sourceTopic  string
	targetTopic  string
	limit        int
	execute      bool
	resetRetries bool
	idleTimeout  time.Duration
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
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flags := pflag.NewFlagSet("dlq-replay", pflag.ContinueOnError)
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: BAKERY_KAFKA_BROKERS)")
	flags.StringVar(&cfg.clientID, "client-id", "bakery-dlq-replay", "kafka client id")
	flags.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read from")
	flags.StringVar(&cfg.targetTopic, "target-topic", "", "override target topic (default: original topic of each message)")
	flags.IntVar(&cfg.limit, "limit", 0, "max messages to read, 0 means whole topic")
	flags.BoolVar(&cfg.execute, "execute", false, "actually publish messages (default is dry-run)")
	flags.BoolVar(&cfg.resetRetries, "reset-retries", false, "start retry counter from zero for replayed consumer letters")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", 5*time.Second, "stop reading a partition after this long without messages")
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
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	if cfg.sourceTopic == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if cfg.targetTopic == cfg.sourceTopic {
		return config{}, fmt.Errorf("target-topic must differ from source-topic")
	}
	if cfg.limit < 0 {
		return config{}, fmt.Errorf("limit must be >= 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	logger := log.WithFields(log.Fields{
		"component": "dlq-replay",
		"source":    cfg.sourceTopic,
		"execute":   cfg.execute,
	})

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.clientID
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("connect to kafka: %w", err)
	}
	defer closeWithLog(logger, "kafka client", client)

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer closeWithLog(logger, "kafka consumer", consumer)

	r := newReplayer(consumer, client, cfg, logger)
	if cfg.execute {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		defer closeWithLog(logger, "kafka producer", producer)
		r.sender = producer
	}

	res, err := r.Run(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, res.String(cfg.execute))
	return err
}

func closeWithLog(logger *log.Entry, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.WithError(err).Warnf("failed to close %s", name)
	}
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
