package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ajayykmr/ingest-worker/internal/bootstrap"
	"github.com/ajayykmr/ingest-worker/internal/config"
	"github.com/ajayykmr/ingest-worker/internal/kafka/producer"
	kafkapublisher "github.com/ajayykmr/ingest-worker/internal/kafka/publisher"
	"github.com/ajayykmr/ingest-worker/internal/logger"
	"github.com/ajayykmr/ingest-worker/internal/memqueue"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/sqsqueue"
	"github.com/ajayykmr/ingest-worker/internal/store/factory"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

// enqueuer is satisfied by every queue adapter's intake side.
type enqueuer interface {
	Enqueue(ctx context.Context, msg models.Message) error
}

type messageFlags struct {
	tenant string
	id     string
	source string
	text   string
	file   string
	repeat int
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "enqueue",
		Short:        "Submit log messages to the ingest queues",
		SilenceUsage: true,
	}
	root.AddCommand(
		newKafkaCommand(),
		newSQSCommand(),
		newLocalCommand(),
	)
	return root
}

// newKafkaCommand constructs the `kafka` subcommand.
func newKafkaCommand() *cobra.Command {
	flags := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Publish messages to the Kafka request topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.RequestTopic == "" {
				return fmt.Errorf("KAFKA_BROKERS and KAFKA_REQUEST_TOPIC are required")
			}

			prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka-producer"))
			if err != nil {
				return err
			}
			defer prod.Close()

			pub := kafkapublisher.NewRequestPublisher(prod, cfg.Kafka.RequestTopic, logger.Component(log, "request-publisher"))
			n, err := submit(cmd.Context(), pub, flags, cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s\n", n, cfg.Kafka.RequestTopic)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// newSQSCommand constructs the `sqs` subcommand.
func newSQSCommand() *cobra.Command {
	flags := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "sqs",
		Short: "Send messages to the SQS queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.SQS.QueueURL == "" {
				return fmt.Errorf("SQS_QUEUE_URL is required")
			}

			client, err := sqsqueue.NewClient(cmd.Context(), cfg.Store.AWSRegion)
			if err != nil {
				return err
			}
			sender, err := sqsqueue.NewSender(client, cfg.SQS.QueueURL)
			if err != nil {
				return err
			}
			n, err := submit(cmd.Context(), sender, flags, cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d message(s) to %s\n", n, cfg.SQS.QueueURL)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type localSummary struct {
	Submitted    int            `json:"submitted"`
	Deliveries   int            `json:"deliveries"`
	Outcomes     map[string]int `json:"outcomes"`
	DeadLettered int            `json:"dead_lettered"`
}

// newLocalCommand runs messages through an in-process queue and the
// configured store, then prints a summary of the outcomes.
func newLocalCommand() *cobra.Command {
	flags := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Process messages in-process against the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, closeStore, err := factory.New(ctx, cfg.Store, log)
			if err != nil {
				return err
			}
			defer closeStore()

			dlq := &memqueue.DeadLetters{}
			engine, err := bootstrap.NewEngine(cfg, bootstrap.Deps{
				Store:        st,
				DLQPublisher: dlq,
				Logger:       log,
			})
			if err != nil {
				return err
			}

			q := memqueue.New()
			n, err := submit(ctx, q, flags, cmd.InOrStdin())
			if err != nil {
				return err
			}

			results := memqueue.Drain(ctx, q, engine, cfg.Worker.BatchSize)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summarise(n, results, dlq))
		},
	}
	flags.register(cmd)
	return cmd
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.tenant, "tenant", "t", "", "Tenant id (required)")
	cmd.Flags().StringVar(&f.id, "id", "", "Log id; generated when empty")
	cmd.Flags().StringVar(&f.source, "source", string(models.SourceTextUpload), "Source tag: json_upload|text_upload")
	cmd.Flags().StringVar(&f.text, "text", "", "Log text")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Read one log per line from file ('-' for stdin)")
	cmd.Flags().IntVar(&f.repeat, "repeat", 1, "Submit every message this many times")
	_ = cmd.MarkFlagRequired("tenant")
}

// messages builds the messages described by the flags. Ids are assigned once
// so repeated submissions share an idempotency key.
func (f *messageFlags) messages(stdin io.Reader) ([]models.Message, error) {
	var texts []string
	switch {
	case f.file != "":
		r := stdin
		if f.file != "-" {
			file, err := os.Open(f.file)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			r = file
		}
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				texts = append(texts, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	case f.text != "":
		texts = []string{f.text}
	default:
		return nil, fmt.Errorf("one of --text or --file is required")
	}

	if f.id != "" && len(texts) > 1 {
		return nil, fmt.Errorf("--id cannot be combined with a multi-line file")
	}

	msgs := make([]models.Message, 0, len(texts))
	for _, text := range texts {
		msg := models.NewMessage(f.tenant, f.id, models.Source(f.source), text)
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func submit(ctx context.Context, q enqueuer, flags *messageFlags, stdin io.Reader) (int, error) {
	msgs, err := flags.messages(stdin)
	if err != nil {
		return 0, err
	}
	repeat := flags.repeat
	if repeat < 1 {
		repeat = 1
	}

	n := 0
	for _, msg := range msgs {
		for i := 0; i < repeat; i++ {
			if err := q.Enqueue(ctx, msg); err != nil {
				return n, fmt.Errorf("enqueue %s: %w", msg.Key(), err)
			}
			n++
		}
	}
	return n, nil
}

func summarise(submitted int, results []worker.Result, dlq *memqueue.DeadLetters) localSummary {
	sum := localSummary{
		Submitted:    submitted,
		Deliveries:   len(results),
		Outcomes:     make(map[string]int),
		DeadLettered: len(dlq.Records()),
	}
	for _, res := range results {
		sum.Outcomes[string(res.Outcome)]++
	}
	return sum
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "enqueue", os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, *log, nil
}
