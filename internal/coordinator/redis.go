// ABOUTME: Redis-backed coordinator for distributed mode.
// ABOUTME: Mirrors connections as TTL records, fans envelopes out over pub/sub, and suppresses self-echo.

package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key and channel layout in the shared store. Every operation touches a
// single key; there are no multi-key transactions.
const (
	connKeyPrefix     = "relay:connection:"
	roomKeyPrefix     = "relay:room:"
	roomKeySuffix     = ":members"
	instanceKeyPrefix = "relay:instance:"
	instanceKeySuffix = ":connections"
	channelPrefix     = "relay:topic:"
)

func connKey(connID string) string { return connKeyPrefix + connID }

func roomMembersKey(roomID string) string { return roomKeyPrefix + roomID + roomKeySuffix }

func instanceKey(instanceID string) string {
	return instanceKeyPrefix + instanceID + instanceKeySuffix
}

func channelName(topic string) string { return channelPrefix + topic }

// RedisCoordinator mirrors connection state into Redis and relays envelopes
// between process replicas over pub/sub. All operations are best-effort:
// failures are logged and swallowed so local broadcast always succeeds.
type RedisCoordinator struct {
	client      *redis.Client
	instanceID  string
	recordTTL   time.Duration
	pollTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // topic -> handler
	pubsub   *redis.PubSub

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// NewRedis creates a distributed-mode coordinator on an already-probed client.
func NewRedis(client *redis.Client, recordTTL, pollTimeout time.Duration, logger *slog.Logger) *RedisCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCoordinator{
		client:      client,
		instanceID:  uuid.New().String(),
		recordTTL:   recordTTL,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "coordinator"),
		handlers:    make(map[string]Handler),
		done:        make(chan struct{}),
	}
}

// Mode reports ModeDistributed.
func (c *RedisCoordinator) Mode() Mode { return ModeDistributed }

// InstanceID returns this process's identifier.
func (c *RedisCoordinator) InstanceID() string { return c.instanceID }

// Start opens the pub/sub subscription and launches the listener loop.
func (c *RedisCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	listenCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pubsub = c.client.Subscribe(listenCtx)

	// Handlers attached before Start exist only in the map; issue their
	// store-level subscriptions now.
	for topic := range c.handlers {
		if err := c.pubsub.Subscribe(listenCtx, channelName(topic)); err != nil {
			c.logger.Warn("subscribing to topic", "topic", topic, "error", err)
		}
	}

	go c.listen(listenCtx)

	c.logger.Info("distributed coordinator started", "instance_id", c.instanceID)
	return nil
}

// Stop cancels the listener, deletes this process's connection records, and
// releases the subscription. Idempotent.
func (c *RedisCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	pubsub := c.pubsub
	cancel := c.cancel
	c.mu.Unlock()

	c.cleanupOwnedRecords(ctx)

	cancel()
	<-c.done

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			c.logger.Warn("closing pubsub", "error", err)
		}
	}
	if err := c.client.Close(); err != nil {
		c.logger.Warn("closing redis client", "error", err)
	}

	c.logger.Info("distributed coordinator stopped", "instance_id", c.instanceID)
	return nil
}

// cleanupOwnedRecords deletes every connection record owned by this process,
// bounded by the per-process index set.
func (c *RedisCoordinator) cleanupOwnedRecords(ctx context.Context) {
	instKey := instanceKey(c.instanceID)
	connIDs, err := c.client.SMembers(ctx, instKey).Result()
	if err != nil {
		c.logger.Warn("listing owned connection records", "error", err)
		return
	}

	for _, connID := range connIDs {
		if rec, ok := c.fetchRecord(ctx, connID); ok && rec.RoomID != "" {
			if err := c.client.SRem(ctx, roomMembersKey(rec.RoomID), connID).Err(); err != nil {
				c.logger.Warn("removing room membership", "connection_id", connID, "error", err)
			}
		}
		if err := c.client.Del(ctx, connKey(connID)).Err(); err != nil {
			c.logger.Warn("deleting connection record", "connection_id", connID, "error", err)
		}
	}

	if err := c.client.Del(ctx, instKey).Err(); err != nil {
		c.logger.Warn("deleting instance index", "error", err)
	}
}

// RegisterConnection writes a TTL-bearing record, indexes it under this
// process, and adds the connection to its room's membership set.
func (c *RedisCoordinator) RegisterConnection(ctx context.Context, rec Record) {
	rec.Instance = c.instanceID

	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("encoding connection record", "connection_id", rec.ConnectionID, "error", err)
		return
	}

	if err := c.client.Set(ctx, connKey(rec.ConnectionID), data, c.recordTTL).Err(); err != nil {
		c.logger.Warn("writing connection record", "connection_id", rec.ConnectionID, "error", err)
		return
	}

	if err := c.client.SAdd(ctx, instanceKey(c.instanceID), rec.ConnectionID).Err(); err != nil {
		c.logger.Warn("indexing connection record", "connection_id", rec.ConnectionID, "error", err)
	}

	if rec.RoomID != "" {
		if err := c.client.SAdd(ctx, roomMembersKey(rec.RoomID), rec.ConnectionID).Err(); err != nil {
			c.logger.Warn("adding room membership", "connection_id", rec.ConnectionID, "error", err)
		}
	}
}

// RefreshConnection renews the TTL on a connection record. Called on each
// heartbeat so the record outlives the connection only by one TTL window.
func (c *RedisCoordinator) RefreshConnection(ctx context.Context, connID string) {
	if err := c.client.Expire(ctx, connKey(connID), c.recordTTL).Err(); err != nil {
		c.logger.Warn("refreshing connection record", "connection_id", connID, "error", err)
	}
}

// RemoveConnection deletes a connection record and its set memberships.
func (c *RedisCoordinator) RemoveConnection(ctx context.Context, connID string) {
	if rec, ok := c.fetchRecord(ctx, connID); ok && rec.RoomID != "" {
		if err := c.client.SRem(ctx, roomMembersKey(rec.RoomID), connID).Err(); err != nil {
			c.logger.Warn("removing room membership", "connection_id", connID, "error", err)
		}
	}

	if err := c.client.Del(ctx, connKey(connID)).Err(); err != nil {
		c.logger.Warn("deleting connection record", "connection_id", connID, "error", err)
	}

	if err := c.client.SRem(ctx, instanceKey(c.instanceID), connID).Err(); err != nil {
		c.logger.Warn("unindexing connection record", "connection_id", connID, "error", err)
	}
}

// fetchRecord reads and decodes a connection record. A missing or expired
// key returns ok=false.
func (c *RedisCoordinator) fetchRecord(ctx context.Context, connID string) (Record, bool) {
	data, err := c.client.Get(ctx, connKey(connID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("reading connection record", "connection_id", connID, "error", err)
		}
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("decoding connection record", "connection_id", connID, "error", err)
		return Record{}, false
	}
	return rec, true
}

// Subscribe attaches a handler to a topic. Repeated subscribes for an
// already-subscribed topic are no-ops.
func (c *RedisCoordinator) Subscribe(ctx context.Context, topic string, h Handler) {
	c.mu.Lock()
	if _, exists := c.handlers[topic]; exists {
		c.mu.Unlock()
		return
	}
	c.handlers[topic] = h
	pubsub := c.pubsub
	c.mu.Unlock()

	if pubsub == nil {
		return
	}
	if err := pubsub.Subscribe(ctx, channelName(topic)); err != nil {
		c.logger.Warn("subscribing to topic", "topic", topic, "error", err)
	}
}

// Unsubscribe detaches from a topic.
func (c *RedisCoordinator) Unsubscribe(ctx context.Context, topic string) {
	c.mu.Lock()
	if _, exists := c.handlers[topic]; !exists {
		c.mu.Unlock()
		return
	}
	delete(c.handlers, topic)
	pubsub := c.pubsub
	c.mu.Unlock()

	if pubsub == nil {
		return
	}
	if err := pubsub.Unsubscribe(ctx, channelName(topic)); err != nil {
		c.logger.Warn("unsubscribing from topic", "topic", topic, "error", err)
	}
}

// Publish sends an envelope to all peer processes subscribed to the topic.
func (c *RedisCoordinator) Publish(ctx context.Context, topic string, env *Envelope) {
	env.SourceInstance = c.instanceID
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	data, err := env.Marshal()
	if err != nil {
		c.logger.Warn("encoding envelope", "topic", topic, "error", err)
		return
	}

	if err := c.client.Publish(ctx, channelName(topic), data).Err(); err != nil {
		c.logger.Warn("publishing envelope", "topic", topic, "error", err)
	}
}

// RoomMembers returns the unexpired connection records for a room across all
// processes. Member IDs whose records have expired are dropped (and pruned
// from the set opportunistically), giving TTL-bounded visibility.
func (c *RedisCoordinator) RoomMembers(ctx context.Context, roomID string) []Record {
	key := roomMembersKey(roomID)
	connIDs, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		c.logger.Warn("listing room members", "room_id", roomID, "error", err)
		return nil
	}

	records := make([]Record, 0, len(connIDs))
	for _, connID := range connIDs {
		rec, ok := c.fetchRecord(ctx, connID)
		if !ok {
			// Record TTL expired; the connection is dead for cross-process
			// visibility even if its owner has not confirmed disconnection.
			if err := c.client.SRem(ctx, key, connID).Err(); err != nil {
				c.logger.Warn("pruning expired member", "room_id", roomID, "error", err)
			}
			continue
		}
		records = append(records, rec)
	}
	return records
}

// listen polls subscribed topics until the context is cancelled, replaying
// envelopes from peer processes to the registered topic handlers.
func (c *RedisCoordinator) listen(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.pubsub.ReceiveTimeout(ctx, c.pollTimeout)
		if err != nil {
			// Timeouts are the normal idle path; anything else is logged
			// and the loop keeps going.
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		c.dispatch(m)
	}
}

// dispatch decodes a pub/sub message and replays it to the topic handler.
// Envelopes originating from this process are ignored.
func (c *RedisCoordinator) dispatch(m *redis.Message) {
	topic := strings.TrimPrefix(m.Channel, channelPrefix)

	env, err := UnmarshalEnvelope([]byte(m.Payload))
	if err != nil {
		c.logger.Warn("decoding envelope", "topic", topic, "error", err)
		return
	}

	if env.SourceInstance == c.instanceID {
		return
	}

	c.mu.RLock()
	h, ok := c.handlers[topic]
	c.mu.RUnlock()

	if !ok {
		return
	}
	h(topic, env)
}
