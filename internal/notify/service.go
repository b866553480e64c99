// ABOUTME: Presence/notification index keyed by user, tenant, and conversation.
// ABOUTME: Fans events out locally and republishes to peer processes through the coordinator.

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatline/relay-gateway/internal/coordinator"
	"github.com/chatline/relay-gateway/internal/registry"
)

// attendantsTopic derives the attendants-only topic for a tenant.
func attendantsTopic(tenantID string) string {
	return coordinator.TenantTopic(tenantID) + ":attendants"
}

// Service is the notification fan-out index. Connections are indexed by
// user ID, tenant ID, and watched conversation IDs, plus a derived
// attendants-of-a-tenant index. It shares the gateway's dual-mode design:
// local delivery always happens first, and in distributed mode the event is
// republished to the corresponding topic for peer processes.
type Service struct {
	mu             sync.RWMutex
	conns          map[string]*registry.Connection
	byUser         map[string]map[string]struct{}
	byTenant       map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}
	attendants     map[string]map[string]struct{} // tenant ID -> attendant conn IDs

	coord  coordinator.Coordinator
	logger *slog.Logger
}

// New creates a notification service on the given coordinator.
func New(coord coordinator.Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conns:          make(map[string]*registry.Connection),
		byUser:         make(map[string]map[string]struct{}),
		byTenant:       make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
		attendants:     make(map[string]map[string]struct{}),
		coord:          coord,
		logger:         logger.With("component", "notify"),
	}
}

func addIndex(idx map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][connID] = struct{}{}
}

// dropIndex removes a connection from an index entry and reports whether the
// entry emptied, so the caller can release the matching topic subscription.
func dropIndex(idx map[string]map[string]struct{}, key, connID string) bool {
	if key == "" {
		return false
	}
	set, ok := idx[key]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(idx, key)
		return true
	}
	return false
}

// Register adds a connection to the user and tenant indexes, mirrors it into
// distributed state, and subscribes this process to the relevant topics.
func (s *Service) Register(ctx context.Context, conn *registry.Connection) {
	s.mu.Lock()
	s.conns[conn.ID] = conn
	addIndex(s.byUser, conn.UserID, conn.ID)
	addIndex(s.byTenant, conn.TenantID, conn.ID)
	if conn.Role == registry.RoleAttendant {
		addIndex(s.attendants, conn.TenantID, conn.ID)
	}
	s.mu.Unlock()

	s.coord.RegisterConnection(ctx, coordinator.Record{
		ConnectionID: conn.ID,
		Role:         string(conn.Role),
		UserID:       conn.UserID,
		ContactID:    conn.ContactID,
		TenantID:     conn.TenantID,
		ConnectedAt:  conn.CreatedAt,
	})

	if conn.UserID != "" {
		s.coord.Subscribe(ctx, coordinator.UserTopic(conn.UserID), s.replayUser)
	}
	if conn.TenantID != "" {
		s.coord.Subscribe(ctx, coordinator.TenantTopic(conn.TenantID), s.replayTenant)
		if conn.Role == registry.RoleAttendant {
			s.coord.Subscribe(ctx, attendantsTopic(conn.TenantID), s.replayAttendants)
		}
	}

	s.logger.Debug("notification connection registered",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"tenant_id", conn.TenantID,
	)
}

// Unregister removes a connection from every index and from distributed
// state, releasing topic subscriptions whose last local connection left.
func (s *Service) Unregister(ctx context.Context, connID string) {
	var released []string

	s.mu.Lock()
	conn, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
		if dropIndex(s.byUser, conn.UserID, connID) {
			released = append(released, coordinator.UserTopic(conn.UserID))
		}
		if dropIndex(s.byTenant, conn.TenantID, connID) {
			released = append(released, coordinator.TenantTopic(conn.TenantID))
		}
		if dropIndex(s.attendants, conn.TenantID, connID) {
			released = append(released, attendantsTopic(conn.TenantID))
		}
		for convID := range s.byConversation {
			if dropIndex(s.byConversation, convID, connID) {
				released = append(released, coordinator.ConversationTopic(convID))
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, topic := range released {
		s.coord.Unsubscribe(ctx, topic)
	}
	s.coord.RemoveConnection(ctx, connID)
}

// WatchConversation adds a connection to a conversation's notification index.
func (s *Service) WatchConversation(ctx context.Context, connID, conversationID string) {
	s.mu.Lock()
	_, ok := s.conns[connID]
	if ok {
		addIndex(s.byConversation, conversationID, connID)
	}
	s.mu.Unlock()

	if ok {
		s.coord.Subscribe(ctx, coordinator.ConversationTopic(conversationID), s.replayConversation)
	}
}

// UnwatchConversation removes a connection from a conversation's index,
// unsubscribing from the conversation topic when the last watcher leaves.
func (s *Service) UnwatchConversation(ctx context.Context, connID, conversationID string) {
	s.mu.Lock()
	emptied := dropIndex(s.byConversation, conversationID, connID)
	s.mu.Unlock()

	if emptied {
		s.coord.Unsubscribe(ctx, coordinator.ConversationTopic(conversationID))
	}
}

// Refresh renews the distributed record TTL for a connection. Called on
// heartbeat.
func (s *Service) Refresh(ctx context.Context, connID string) {
	s.coord.RefreshConnection(ctx, connID)
}

// SendTo delivers an event to a single connection.
func (s *Service) SendTo(connID, eventType string, data map[string]any) error {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()

	if !ok {
		return registry.ErrConnectionNotFound
	}
	return conn.Send(eventType, data)
}

// BroadcastUser sends an event to all connections of a user, across processes.
func (s *Service) BroadcastUser(ctx context.Context, userID, eventType string, data map[string]any, exclude ...string) {
	s.sendLocal(s.targets(s.byUser, userID, exclude), eventType, data)
	s.publish(ctx, coordinator.UserTopic(userID), eventType, data, exclude)
}

// BroadcastTenant sends an event to all connections of a tenant, across processes.
func (s *Service) BroadcastTenant(ctx context.Context, tenantID, eventType string, data map[string]any, exclude ...string) {
	s.sendLocal(s.targets(s.byTenant, tenantID, exclude), eventType, data)
	s.publish(ctx, coordinator.TenantTopic(tenantID), eventType, data, exclude)
}

// BroadcastConversation sends an event to all watchers of a conversation,
// across processes.
func (s *Service) BroadcastConversation(ctx context.Context, conversationID, eventType string, data map[string]any, exclude ...string) {
	s.sendLocal(s.targets(s.byConversation, conversationID, exclude), eventType, data)
	s.publish(ctx, coordinator.ConversationTopic(conversationID), eventType, data, exclude)
}

// NotifyAttendants sends an event to a tenant's attendant connections only.
func (s *Service) NotifyAttendants(ctx context.Context, tenantID, eventType string, data map[string]any) {
	s.sendLocal(s.targets(s.attendants, tenantID, nil), eventType, data)
	s.publish(ctx, attendantsTopic(tenantID), eventType, data, nil)
}

// targets snapshots the connections indexed under a key, minus exclusions.
func (s *Service) targets(idx map[string]map[string]struct{}, key string, exclude []string) []*registry.Connection {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := idx[key]
	if !ok {
		return nil
	}
	conns := make([]*registry.Connection, 0, len(set))
	for connID := range set {
		if _, excluded := skip[connID]; excluded {
			continue
		}
		if conn, live := s.conns[connID]; live {
			conns = append(conns, conn)
		}
	}
	return conns
}

// sendLocal delivers an event to the given connections. Send failures are
// logged and never propagated; a dead transport cleans itself up.
func (s *Service) sendLocal(conns []*registry.Connection, eventType string, data map[string]any) {
	for _, conn := range conns {
		if err := conn.Send(eventType, data); err != nil {
			s.logger.Debug("notification send failed",
				"connection_id", conn.ID,
				"event_type", eventType,
				"error", err,
			)
		}
	}
}

// publish republishes an event to the topic for peer processes.
func (s *Service) publish(ctx context.Context, topic, eventType string, data map[string]any, exclude []string) {
	if s.coord.Mode() != coordinator.ModeDistributed {
		return
	}
	s.coord.Publish(ctx, topic, &coordinator.Envelope{
		Type:      eventType,
		Data:      data,
		Exclude:   exclude,
		Timestamp: time.Now().UTC(),
	})
}

// replayUser replays a peer envelope to local connections of the user.
func (s *Service) replayUser(topic string, env *coordinator.Envelope) {
	userID := topic[len("user:"):]
	s.sendLocal(s.targets(s.byUser, userID, env.Exclude), env.Type, env.Data)
}

// replayTenant replays a peer envelope to local connections of the tenant.
func (s *Service) replayTenant(topic string, env *coordinator.Envelope) {
	tenantID := topic[len("tenant:"):]
	s.sendLocal(s.targets(s.byTenant, tenantID, env.Exclude), env.Type, env.Data)
}

// replayAttendants replays a peer envelope to local attendants of the tenant.
func (s *Service) replayAttendants(topic string, env *coordinator.Envelope) {
	tenantID := topic[len("tenant:") : len(topic)-len(":attendants")]
	s.sendLocal(s.targets(s.attendants, tenantID, env.Exclude), env.Type, env.Data)
}

// replayConversation replays a peer envelope to local watchers of the conversation.
func (s *Service) replayConversation(topic string, env *coordinator.Envelope) {
	convID := topic[len("conversation:"):]
	s.sendLocal(s.targets(s.byConversation, convID, env.Exclude), env.Type, env.Data)
}
