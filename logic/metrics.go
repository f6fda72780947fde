package logic

import (
	"github.com/prometheus/client_golang/prometheus"
	"time"
	"waxwing/shared"
)

type IMetrics interface {
	StartApubRequestIn(label string) IRequestObserver
	StartApubRequestOut(label string) IRequestObserver
	ActivityHandled(label string)
	ActivityRejected(label string)
	ActorResolved(outcome string)
	ObjectResolved(outcome string)
	NotificationCreated(kind string)
	PushRequested()
	PushFailed()
	PushQueueLength(length int)
	TotalPeers(count int)
	ServiceStarted()
}

type IRequestObserver interface {
	Finish()
}

// Label values for the resolution counters.
const (
	ResolvedFromCache = "cache"
	ResolvedFetched   = "fetched"
	ResolveFailed     = "failed"
)

type metrics struct {
	cfg                  *shared.Config
	apubRequestsIn       *prometheus.HistogramVec
	apubRequestsOut      *prometheus.HistogramVec
	activitiesHandled    *prometheus.CounterVec
	activitiesRejected   *prometheus.CounterVec
	actorResolutions     *prometheus.CounterVec
	objectResolutions    *prometheus.CounterVec
	notificationsCreated *prometheus.CounterVec
	pushesRequested      prometheus.Counter
	pushesFailed         prometheus.Counter
	serviceStarted       prometheus.Counter
	pushQueueLength      prometheus.Gauge
	totalPeers           prometheus.Gauge
}

func NewMetrics(cfg *shared.Config) IMetrics {

	res := metrics{}
	res.cfg = cfg

	res.apubRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_in_duration",
		Help: "Duration in seconds of ActivityPub requests served.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsIn)

	res.apubRequestsOut = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_out_duration",
		Help: "Duration in seconds of ActivityPub requests made.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsOut)

	res.activitiesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_handled",
		Help: "Number of inbound activities applied, by type",
	}, []string{"label"})
	prometheus.Register(res.activitiesHandled)

	res.activitiesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_rejected",
		Help: "Number of inbound activities rejected at validation, by type",
	}, []string{"label"})
	prometheus.Register(res.activitiesRejected)

	res.actorResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actor_resolutions",
		Help: "Number of actor resolutions, by outcome",
	}, []string{"outcome"})
	prometheus.Register(res.actorResolutions)

	res.objectResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "object_resolutions",
		Help: "Number of object resolutions, by outcome",
	}, []string{"outcome"})
	prometheus.Register(res.objectResolutions)

	res.notificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created",
		Help: "Number of notifications recorded, by kind",
	}, []string{"kind"})
	prometheus.Register(res.notificationsCreated)

	res.pushesRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushes_requested",
		Help: "Number of push delivery requests issued",
	})
	prometheus.Register(res.pushesRequested)

	res.pushesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushes_failed",
		Help: "Number of push delivery requests that failed",
	})
	prometheus.Register(res.pushesFailed)

	res.serviceStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "service_started",
		Help: "Service has started up",
	})
	prometheus.Register(res.serviceStarted)

	res.pushQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_queue_length",
		Help: "Items in push delivery queue",
	})
	prometheus.Register(res.pushQueueLength)

	res.totalPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "total_peer_count",
		Help: "Known federation peer servers",
	})
	prometheus.Register(res.totalPeers)

	return &res
}

type requestObserver struct {
	label string
	start time.Time
	hgvec *prometheus.HistogramVec
}

func (ro *requestObserver) Finish() {
	now := time.Now()
	elapsed := float64(now.UnixMilli()-ro.start.UnixMilli()) / 1000.0
	ro.hgvec.WithLabelValues(ro.label).Observe(elapsed)
}

func (m *metrics) StartApubRequestIn(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsIn}
}

func (m *metrics) StartApubRequestOut(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsOut}
}

func (m *metrics) ActivityHandled(label string) {
	m.activitiesHandled.WithLabelValues(label).Add(1)
}

func (m *metrics) ActivityRejected(label string) {
	m.activitiesRejected.WithLabelValues(label).Add(1)
}

func (m *metrics) ActorResolved(outcome string) {
	m.actorResolutions.WithLabelValues(outcome).Add(1)
}

func (m *metrics) ObjectResolved(outcome string) {
	m.objectResolutions.WithLabelValues(outcome).Add(1)
}

func (m *metrics) NotificationCreated(kind string) {
	m.notificationsCreated.WithLabelValues(kind).Add(1)
}

func (m *metrics) PushRequested() {
	m.pushesRequested.Add(1)
}

func (m *metrics) PushFailed() {
	m.pushesFailed.Add(1)
}

func (m *metrics) PushQueueLength(length int) {
	m.pushQueueLength.Set(float64(length))
}

func (m *metrics) TotalPeers(count int) {
	m.totalPeers.Set(float64(count))
}

func (m *metrics) ServiceStarted() {
	m.serviceStarted.Add(1)
}
