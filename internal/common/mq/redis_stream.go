package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldID         = "id"
	fieldBody       = "body"
	fieldHeaders    = "headers"
	fieldTimestamp  = "ts"
	fieldRetryCount = "retry"
	fieldMaxRetries = "max_retries"
)

// RedisStreamConfig configures the Redis Streams queue.
type RedisStreamConfig struct {
	// MaxLen caps each stream (approximate trimming). Zero disables trimming.
	MaxLen int64
	// Block is the XREADGROUP block timeout.
	Block time.Duration
	// ClaimMinIdle is how long a pending entry must be idle before another
	// consumer takes it over.
	ClaimMinIdle time.Duration
	// ClaimInterval is how often pending entries are scanned for takeover.
	ClaimInterval time.Duration
	// Heartbeat is how often an entry still in its handler is re-claimed by
	// its own consumer, resetting its idle time. A long grading job is then
	// never taken over by another consumer while this one is alive.
	// Defaults to a third of ClaimMinIdle and is kept below it.
	Heartbeat time.Duration
}

func (c *RedisStreamConfig) setDefaults() {
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 5 * time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.ClaimMinIdle {
		c.Heartbeat = c.ClaimMinIdle / 3
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Millisecond
	}
}

// RedisStreamQueue implements MessageQueue on Redis Streams consumer groups.
// Entries stay in the group's pending list until acknowledged; entries left
// behind by a dead consumer are claimed by a live one after ClaimMinIdle.
type RedisStreamQueue struct {
	client *redis.Client
	config RedisStreamConfig

	mu            sync.Mutex
	subscriptions []*streamSubscription
	started       bool
	closed        bool
}

type streamSubscription struct {
	stream  string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStreamQueue creates a queue on an existing client.
func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.setDefaults()
	return &RedisStreamQueue{client: client, config: cfg}, nil
}

// Publish appends a message to the stream named topic.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	args, err := q.addArgs(topic, message)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, args).Err()
}

// PublishBatch appends messages through one pipeline round trip.
func (q *RedisStreamQueue) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(messages) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, msg := range messages {
		if msg == nil {
			return errors.New("message is nil")
		}
		args, err := q.addArgs(topic, msg)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, args)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisStreamQueue) addArgs(topic string, message *Message) (*redis.XAddArgs, error) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	headers, err := json.Marshal(message.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers failed: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldID:         message.ID,
			fieldBody:       string(message.Body),
			fieldHeaders:    string(headers),
			fieldTimestamp:  message.Timestamp.UTC().Format(time.RFC3339Nano),
			fieldRetryCount: strconv.Itoa(message.RetryCount),
			fieldMaxRetries: strconv.Itoa(message.MaxRetries),
		},
	}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}
	return args, nil
}

// SubscribeWithOptions registers a consumer-group reader for the stream.
func (q *RedisStreamQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("riddleflow-%s", topic)
	}
	if options.ConsumerName == "" {
		host, _ := os.Hostname()
		options.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	sub := &streamSubscription{stream: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		return q.startSubscription(sub)
	}
	return nil
}

// Start creates consumer groups and begins reading.
func (q *RedisStreamQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		if err := q.startSubscription(sub); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

// Stop cancels readers and waits for in-flight handlers.
func (q *RedisStreamQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range q.subscriptions {
		sub.wg.Wait()
	}
	q.started = false
	return nil
}

// Ping verifies the Redis connection.
func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops consumers. The client is owned by the caller and stays open.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}

func (q *RedisStreamQueue) startSubscription(sub *streamSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	err := q.client.XGroupCreateMkStream(sub.baseCtx, sub.stream, sub.opts.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group failed: %w", err)
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	capacity := sub.opts.Concurrency * sub.opts.PrefetchCount
	slots := newInflight(capacity)
	msgCh := make(chan redis.XMessage, capacity)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		q.readLoop(sub, slots, msgCh)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for entry := range msgCh {
				q.handleEntry(sub, entry)
				slots.release()
			}
		}()
	}
	return nil
}

func (q *RedisStreamQueue) readLoop(sub *streamSubscription, slots inflight, out chan<- redis.XMessage) {
	retry := fetchBackoff()
	lastClaim := time.Now()
	for {
		if err := slots.acquire(sub.ctx); err != nil {
			return
		}
		var entries []redis.XMessage
		var err error
		if time.Since(lastClaim) >= q.config.ClaimInterval {
			lastClaim = time.Now()
			entries, _, err = q.client.XAutoClaim(sub.ctx, &redis.XAutoClaimArgs{
				Stream:   sub.stream,
				Group:    sub.opts.ConsumerGroup,
				Consumer: sub.opts.ConsumerName,
				MinIdle:  q.config.ClaimMinIdle,
				Start:    "0-0",
				Count:    1,
			}).Result()
		}
		if err == nil && len(entries) == 0 {
			var streams []redis.XStream
			streams, err = q.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
				Group:    sub.opts.ConsumerGroup,
				Consumer: sub.opts.ConsumerName,
				Streams:  []string{sub.stream, ">"},
				Count:    1,
				Block:    q.config.Block,
			}).Result()
			for _, s := range streams {
				entries = append(entries, s.Messages...)
			}
		}
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		if err != nil || len(entries) == 0 {
			slots.release()
			if sub.ctx.Err() != nil {
				return
			}
			if err != nil && !sleepCtx(sub.ctx, retry.NextBackOff()) {
				return
			}
			continue
		}
		retry.Reset()
		out <- entries[0]
	}
}

func (q *RedisStreamQueue) handleEntry(sub *streamSubscription, entry redis.XMessage) {
	m := fromStreamEntry(entry)
	deadLetter := func(ctx context.Context, dead *Message) error {
		return q.Publish(ctx, sub.opts.DeadLetterTopic, dead)
	}
	stop := q.keepClaimed(sub, entry.ID)
	delivered := deliver(sub.ctx, m, sub.handler, sub.opts, deadLetter)
	stop()
	if !delivered {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = q.client.XAck(ackCtx, sub.stream, sub.opts.ConsumerGroup, entry.ID).Err()
}

// keepClaimed re-claims id for this consumer every Heartbeat until the
// returned stop func is called.
func (q *RedisStreamQueue) keepClaimed(sub *streamSubscription, id string) func() {
	ctx, cancel := context.WithCancel(sub.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = q.client.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   sub.stream,
					Group:    sub.opts.ConsumerGroup,
					Consumer: sub.opts.ConsumerName,
					MinIdle:  0,
					Messages: []string{id},
				}).Err()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func fromStreamEntry(entry redis.XMessage) *Message {
	m := &Message{Headers: make(map[string]string)}
	str := func(key string) string {
		if v, ok := entry.Values[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}
	m.ID = str(fieldID)
	if m.ID == "" {
		m.ID = entry.ID
	}
	m.Body = []byte(str(fieldBody))
	if raw := str(fieldHeaders); raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &m.Headers)
	}
	if ts, err := time.Parse(time.RFC3339Nano, str(fieldTimestamp)); err == nil {
		m.Timestamp = ts
	}
	if v, err := strconv.Atoi(str(fieldRetryCount)); err == nil && v >= 0 {
		m.RetryCount = v
	}
	if v, err := strconv.Atoi(str(fieldMaxRetries)); err == nil && v >= 0 {
		m.MaxRetries = v
	}
	return m
}
