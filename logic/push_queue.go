package logic

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
	"waxwing/dal"
	"waxwing/shared"
)

type IPushQueue interface {
	EnqueueDelivery(deliveryId, recipient, payload string) error
}

const maxParallelPushes = 5
const pushLoopIdleWakeSec = 5
const pushTimeoutSec = 10

// pushQueue drains a DB-backed queue of notification deliveries and
// POSTs each to the configured push gateway. Failures are logged and
// counted; a delivery is attempted once.
type pushQueue struct {
	cfg             *shared.Config
	logger          shared.ILogger
	repo            dal.IRepo
	userAgent       shared.IUserAgent
	metrics         IMetrics
	newItemsInQueue chan struct{}
	pqProgress      map[int]interface{}
}

func NewPushQueue(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	userAgent shared.IUserAgent,
	metrics IMetrics,
) IPushQueue {

	pq := pushQueue{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		userAgent: userAgent,
		metrics:   metrics,
	}

	pq.newItemsInQueue = make(chan struct{})
	pq.pqProgress = make(map[int]interface{})
	go pq.pushQueueLoop()

	return &pq
}

func (pq *pushQueue) EnqueueDelivery(deliveryId, recipient, payload string) error {

	err := pq.repo.AddPushQueueItem(&dal.PushQueueItem{
		DeliveryId: deliveryId,
		Recipient:  recipient,
		Payload:    payload,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	pq.metrics.PushRequested()

	go func() {
		pq.newItemsInQueue <- struct{}{}
	}()

	return nil
}

func (pq *pushQueue) pushQueueLoop() {

	pushDone := make(chan int)

	sendPushes := func() {
		if len(pq.pqProgress) >= maxParallelPushes {
			return
		}
		maxId := -1
		for id := range pq.pqProgress {
			maxId = max(maxId, id)
		}
		var err error
		var items []*dal.PushQueueItem
		var qlen int
		items, qlen, err = pq.repo.GetPushQueueItems(maxId, maxParallelPushes-len(pq.pqProgress))
		if err != nil {
			pq.logger.Errorf("Failed to get push queue items: %v", err)
			return
		}
		pq.metrics.PushQueueLength(qlen)
		for _, item := range items {
			pq.pqProgress[item.Id] = struct{}{}
			go pq.sendQueuedPush(item, pushDone)
		}
	}

	removeDonePush := func(id int) {
		if err := pq.repo.DeletePushQueueItem(id); err != nil {
			pq.logger.Errorf("Failed to remove delivered push from queue: %d: %v", id, err)
		}
		delete(pq.pqProgress, id)
	}

	for {
		select {
		case <-pq.newItemsInQueue:
			pq.logger.Debug("New items in push queue")
			sendPushes()
		case <-time.After(pushLoopIdleWakeSec * time.Second):
			sendPushes()
		case id := <-pushDone:
			pq.logger.Debugf("Push delivery done: %d", id)
			removeDonePush(id)
			sendPushes()
		}
	}
}

func (pq *pushQueue) sendQueuedPush(item *dal.PushQueueItem, pushDone chan int) {

	if err := pq.postPush(item); err != nil {
		pq.logger.Warnf("Push delivery failed: %s: %v", item.DeliveryId, err)
		pq.metrics.PushFailed()
	}

	pushDone <- item.Id
}

func (pq *pushQueue) postPush(item *dal.PushQueueItem) error {

	if pq.cfg.PushGateway == "" {
		return nil
	}

	req, err := http.NewRequest("POST", pq.cfg.PushGateway, bytes.NewBufferString(item.Payload))
	if err != nil {
		return err
	}
	pq.userAgent.AddUserAgent(req)
	req.Header.Set("Content-Type", "application/json")

	client := http.Client{Timeout: time.Second * pushTimeoutSec}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("got status %s", resp.Status)
	}
	return nil
}
