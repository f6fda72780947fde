package logic

import (
	"encoding/json"
	"time"
	"waxwing/dal"
	"waxwing/shared"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type INotifier interface {
	// Emit records a notification and requests its push delivery. An
	// event already recorded (same kind, recipient, origin and subject)
	// is a no-op. Self-notifications are suppressed.
	Emit(kind, recipientUrl, originUrl, subjectUrl string) (isNew bool, err error)
}

type notifier struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	pushQueue IPushQueue
	metrics   IMetrics
}

func NewNotifier(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	pushQueue IPushQueue,
	metrics IMetrics,
) INotifier {
	return &notifier{cfg, logger, repo, pushQueue, metrics}
}

func dedupHash(kind, recipientUrl, originUrl, subjectUrl string) int64 {
	h := murmur3.New64()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(recipientUrl))
	h.Write([]byte{0})
	h.Write([]byte(originUrl))
	h.Write([]byte{0})
	h.Write([]byte(subjectUrl))
	return int64(h.Sum64())
}

type pushPayload struct {
	DeliveryId string `json:"deliveryId"`
	Kind       string `json:"kind"`
	Recipient  string `json:"recipient"`
	Origin     string `json:"origin"`
	Subject    string `json:"subject"`
	CreatedAt  string `json:"createdAt"`
}

func (n *notifier) Emit(kind, recipientUrl, originUrl, subjectUrl string) (bool, error) {

	if recipientUrl == originUrl {
		return false, nil
	}

	now := time.Now()
	notif := &dal.Notification{
		Kind:         kind,
		RecipientUrl: recipientUrl,
		OriginUrl:    originUrl,
		SubjectUrl:   subjectUrl,
		DedupHash:    dedupHash(kind, recipientUrl, originUrl, subjectUrl),
		DeliveryId:   uuid.NewString(),
		CreatedAt:    now,
	}

	isNew, err := n.repo.AddNotificationIfNew(notif)
	if err != nil {
		return false, err
	}
	if !isNew {
		return false, nil
	}
	n.metrics.NotificationCreated(kind)

	payload := pushPayload{
		DeliveryId: notif.DeliveryId,
		Kind:       kind,
		Recipient:  recipientUrl,
		Origin:     originUrl,
		Subject:    subjectUrl,
		CreatedAt:  now.UTC().Format(time.RFC3339),
	}
	payloadJson, _ := json.Marshal(&payload)

	// Push delivery is best effort; the notification row is already
	// durable at this point.
	if err = n.pushQueue.EnqueueDelivery(notif.DeliveryId, recipientUrl, string(payloadJson)); err != nil {
		n.logger.Errorf("Failed to enqueue push delivery %s: %v", notif.DeliveryId, err)
	}

	return true, nil
}
