package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency        = metric.NewHistogram("1m1s")
	AdvertisementsSent     = metric.NewCounter("10s1s")
	AdvertisementsReceived = metric.NewCounter("10s1s")
	AdvertisementsRejected = metric.NewCounter("10s1s")
	LinkTransitions        = metric.NewCounter("1m1s")
	SentBytesPerSecond     = metric.NewCounter("10s1s")
	RecvBytesPerSecond     = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("dockmesh:AdvertisementsSent/s", AdvertisementsSent)
	expvar.Publish("dockmesh:AdvertisementsReceived/s", AdvertisementsReceived)
	expvar.Publish("dockmesh:AdvertisementsRejected/s", AdvertisementsRejected)
	expvar.Publish("dockmesh:LinkTransitions", LinkTransitions)
	expvar.Publish("dockmesh:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("dockmesh:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("dockmesh:DispatchLatency (µs)", DispatchLatency)
}
