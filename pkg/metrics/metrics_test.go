package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithMetricPrefix("pfx"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithMetricsEnabled(true),
				WithRefreshInterval(5*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then metric names carry namespace, subsystem and prefix", func() {
				So(manager, ShouldNotBeNil)
				So(manager.RefreshInterval(), ShouldEqual, 5*time.Second)
				manager.announcementsCreated.Inc()

				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_namespace_test_subsystem_pfx_announcements_created_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When histogram buckets are set", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry), WithHistogramBuckets([]float64{1, 10}))
			manager.signingLatency.Observe(3)

			Convey("Then latency histograms use them", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				var buckets int
				for _, f := range families {
					if f.GetName() == "resolvr_oracle_signing_latency_milliseconds" {
						buckets = len(f.GetMetric()[0].GetHistogram().GetBucket())
					}
				}
				So(buckets, ShouldEqual, 2)
			})
		})

		Convey("When no buckets are set", func() {
			manager := NewManager(WithPrometheusRegistry(prometheus.NewRegistry()))

			Convey("Then the millisecond defaults apply", func() {
				So(manager.histogramBuckets, ShouldResemble, defaultMsBuckets)
			})
		})

		Convey("When two managers share a registry", func() {
			registry := prometheus.NewRegistry()
			_ = NewManager(WithPrometheusRegistry(registry))

			Convey("Then the second registration panics", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording oracle metrics", func() {
			before := testutil.ToFloat64(globalManager.attestationsCommitted)
			RecordAnnouncementCreated()
			RecordAttestationCommitted()
			RecordAttestationAlreadyPresent()
			RecordAttestRejection("outcome_count")
			RecordSigningLatency(0.4)
			RecordAnnouncementCache(true)
			RecordAnnouncementCache(false)

			Convey("Then counters move", func() {
				So(testutil.ToFloat64(globalManager.attestationsCommitted), ShouldEqual, before+1)
				So(testutil.ToFloat64(globalManager.attestRejections.WithLabelValues("outcome_count")), ShouldBeGreaterThanOrEqualTo, 1.0)
			})
		})

		Convey("When recording operational metrics", func() {
			So(func() {
				RecordAdjudicationTransition("approved")
				UpdateAdjudicationsByState("in_review", 3)
				RecordStoreOpLatency("memory", "update", 0.2)
				RecordStoreConflict()
				RecordHTTPRequest("/v1/oracle/pubkey", "GET", "200")
				RecordHTTPRequestDuration("/v1/oracle/pubkey", "GET", "200", 1.5)
				UpdateQueueSize(10)
				UpdateQueueCapacity(100)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				UpdateWorkerCount(4)
				UpdateWorkerActiveCount(1)
				RecordWorkerProcessingLatency(3)
				RecordWorkerError()
				RecordWorkerRetry()
				RecordJobDuplicate()
				RecordErrorByComponent("store", "unavailable")
				RecordErrorByEndpoint("/v1/events", "POST", "bad_request")
				UpdateSystemMemoryUsage(1 << 20)
				UpdateSystemGoroutineCount(12)
			}, ShouldNotPanic)

			Convey("Then the gauges reflect the last value", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 10.0)
				So(testutil.ToFloat64(globalManager.adjudicationsByState.WithLabelValues("in_review")), ShouldEqual, 3.0)
			})
		})

		Convey("When gathering the custom registry", func() {
			RecordAnnouncementCreated()
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)

			Convey("Then every family uses the resolvr namespace", func() {
				for _, f := range families {
					So(strings.HasPrefix(f.GetName(), "resolvr_oracle_"), ShouldBeTrue)
				}
			})
		})
	})
}

func TestMetricsDisabled(t *testing.T) {
	Convey("Given a global manager with collection disabled", t, func() {
		prev := globalManager
		globalManager = NewManager(WithPrometheusRegistry(prometheus.NewRegistry()), WithMetricsEnabled(false))
		Reset(func() { globalManager = prev })

		Convey("Recording leaves every series untouched", func() {
			RecordAttestationCommitted()
			RecordAttestRejection("not_found")
			UpdateQueueSize(7)
			So(testutil.ToFloat64(globalManager.attestationsCommitted), ShouldEqual, 0.0)
			So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 0.0)
			So(testutil.CollectAndCount(globalManager.attestRejections), ShouldEqual, 0)
		})
	})
}

func TestObserveSince(t *testing.T) {
	Convey("ObserveSince reports milliseconds", t, func() {
		start := time.Now().Add(-20 * time.Millisecond)
		So(ObserveSince(start), ShouldBeGreaterThanOrEqualTo, 20.0)
	})
}
