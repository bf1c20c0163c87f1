// Package broker connects the worker to Kafka: capture tasks come in on one topic,
// capture results go out on another.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/intake"
	"github.com/IliaW/capture-worker/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type KafkaProducerClient struct {
	resultChan <-chan *model.CaptureResult
	cfg        *config.ProducerConfig
	log        *slog.Logger
	wg         *sync.WaitGroup
}

func NewKafkaProducer(resultChan <-chan *model.CaptureResult, cfg *config.ProducerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *KafkaProducerClient {
	return &KafkaProducerClient{
		resultChan: resultChan,
		cfg:        cfg,
		log:        log,
		wg:         wg,
	}
}

// Run sends capture results to kafka in batches. After shutdown it keeps going until
// resultChan is closed and drained.
func (p *KafkaProducerClient) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // batching is done below
		BatchTimeout: time.Millisecond, // flushed by batchTicker
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send results to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		if err := w.Close(); err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	flush := func(batch []kafka.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		if err := w.WriteMessages(ctx, batch...); err != nil {
			p.log.Error("failed to send results to kafka.", slog.String("err", err.Error()))
			return
		}
		p.log.Debug("results sent to kafka.", slog.Int("batch length", len(batch)))
	}

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	for {
		select {
		case result, ok := <-p.resultChan:
			if !ok {
				if len(batch) > 0 {
					p.log.Debug("flushing remaining results.", slog.Int("count", len(batch)))
					flush(batch)
				}
				p.log.Info("stopping kafka writer.")
				return
			}
			msg, err := encodeResult(result)
			if err != nil {
				p.log.Error("marshaling error.", slog.String("err", err.Error()), slog.String("job", result.JobID))
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= p.cfg.BatchSize {
				flush(batch)
				batch = batch[:0]
			}
		case <-batchTicker.C:
			if len(batch) > 0 {
				flush(batch)
				batch = batch[:0]
			}
		}
	}
}

type KafkaConsumerClient struct {
	taskChan chan<- *intake.Request
	cfg      *config.ConsumerConfig
	log      *slog.Logger
	wg       *sync.WaitGroup
}

func NewKafkaConsumer(taskChan chan<- *intake.Request, cfg *config.ConsumerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		taskChan: taskChan,
		cfg:      cfg,
		log:      log,
		wg:       wg,
	}
}

// Run reads capture tasks from kafka until ctx is done. The task channel is shared with
// the prompt, so it is left open.
func (c *KafkaConsumerClient) Run(ctx context.Context) {
	defer c.wg.Done()
	c.log.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          strings.Split(c.cfg.Brokers, ","),
		Topic:            c.cfg.ReadTopicName,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
	})
	defer func() {
		if err := r.Close(); err != nil {
			c.log.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		c.log.Info("kafka reader stopped.")
	}()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error("failed to read message from kafka.", slog.String("err", err.Error()))
			continue
		}

		req, err := decodeTask(m.Value)
		if err != nil {
			c.log.Error("failed to unmarshal message.", slog.String("err", err.Error()),
				slog.Int64("offset", m.Offset))
			continue
		}
		select {
		case c.taskChan <- req:
			c.log.Debug("task received from kafka.", slog.String("url", req.Task.URL))
		case <-ctx.Done():
			return
		}
	}
}

func decodeTask(value []byte) (*intake.Request, error) {
	var task model.CaptureTask
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, err
	}
	if task.URL == "" {
		return nil, fmt.Errorf("%w: message has no url", model.ErrInvalidURL)
	}
	return &intake.Request{Task: &task, Source: model.Kafka}, nil
}

func encodeResult(result *model.CaptureResult) (kafka.Message, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(result.URL), Value: body}, nil
}
