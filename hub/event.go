package hub

import (
	"strings"
	"time"
)

// Event is one state-change notification fanned out to subscribers.
// Payload carries the minimal state a client needs to reconcile its view.
type Event struct {
	Type    string      `json:"type"`
	Action  string      `json:"action,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	TS      time.Time   `json:"ts"`
}

// Event types
const (
	TypeQueueUpdate    = "queue_update"
	TypeTicketUpdate   = "ticket_update"
	TypeStatusUpdate   = "status_update"
	TypeNotification   = "notification"
	TypeQueueState     = "queue_state"
	TypeResyncRequired = "resync_required"
)

// Queue update actions
const (
	ActionJoin     = "join"
	ActionCall     = "call"
	ActionServe    = "serve"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionCancel   = "cancel"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
)

// Group name prefixes. Group names are constrained to these three forms;
// anything else is rejected at subscribe time.
const (
	queuePrefix         = "queue:"
	shopQueuesPrefix    = "shop_queues:"
	notificationsPrefix = "notifications:"
)

// QueueGroup returns the fan-out group for a single queue.
func QueueGroup(queueID string) string { return queuePrefix + queueID }

// ShopQueuesGroup returns the fan-out group covering all queues of a shop.
func ShopQueuesGroup(shopID string) string { return shopQueuesPrefix + shopID }

// NotificationsGroup returns the personal notification group for a user.
func NotificationsGroup(userID string) string { return notificationsPrefix + userID }

// GroupKind identifies which of the three group forms a name uses.
type GroupKind int

const (
	GroupUnknown GroupKind = iota
	GroupQueue
	GroupShopQueues
	GroupNotifications
)

// ParseGroup splits a group name into its kind and id. Unknown forms return
// GroupUnknown with an empty id.
func ParseGroup(group string) (GroupKind, string) {
	switch {
	case strings.HasPrefix(group, queuePrefix):
		return GroupQueue, group[len(queuePrefix):]
	case strings.HasPrefix(group, shopQueuesPrefix):
		return GroupShopQueues, group[len(shopQueuesPrefix):]
	case strings.HasPrefix(group, notificationsPrefix):
		return GroupNotifications, group[len(notificationsPrefix):]
	default:
		return GroupUnknown, ""
	}
}
