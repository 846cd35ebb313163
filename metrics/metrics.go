// Package metrics exposes Prometheus collectors for associations, DIMSE
// traffic, retrieves, pushes, the move listener, the result sink and
// notifications.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caio-sobreiro/dicomqr/types"
)

var (
	associationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_associations_total",
		Help: "Associations by role (requestor, acceptor) and result",
	}, []string{"role", "result"})

	dimseResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_dimse_responses_total",
		Help: "DIMSE responses received by command and status class",
	}, []string{"command", "outcome"})

	protocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_protocol_errors_total",
		Help: "Malformed or unexpected responses that were discarded",
	}, []string{"op"})

	queryResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomqr_query_series_total",
		Help: "Series descriptors produced by C-FIND queries",
	})

	retrieveIdentifiersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_retrieve_identifiers_total",
		Help: "Retrieve identifiers by method and result",
	}, []string{"method", "result"})

	retrieveSubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_retrieve_suboperations_total",
		Help: "Retrieve sub-operations reported by the PACS",
	}, []string{"method", "outcome"})

	listenerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dicomqr_listener_state",
		Help: "Move listener state (1 for the active state, 0 otherwise)",
	}, []string{"listener", "state"})

	listenerObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_listener_objects_total",
		Help: "Objects received by C-STORE on an acceptor",
	}, []string{"result"})

	sinkPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_sink_pushes_total",
		Help: "Result sink pushes by slot kind and result",
	}, []string{"slot", "result"})

	sinkEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomqr_timeline_evictions_total",
		Help: "Timeline entries evicted on overflow",
	})

	pushedObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_pushed_objects_total",
		Help: "Objects sent to the PACS with C-STORE by result",
	}, []string{"result"})

	eventDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomqr_event_drops_total",
		Help: "Notifications dropped because the dispatch buffer was full",
	}, []string{"kind"})
)

// RecordAssociation counts an association attempt.
func RecordAssociation(role, result string) {
	associationsTotal.WithLabelValues(role, result).Inc()
}

// RecordDIMSEResponse counts a response by its status class.
func RecordDIMSEResponse(commandField, status uint16) {
	dimseResponsesTotal.WithLabelValues(types.CommandName(commandField), StatusClass(status)).Inc()
}

// StatusClass maps a DIMSE status to success, pending, warning, cancel or failure.
func StatusClass(status uint16) string {
	switch {
	case types.IsSuccessStatus(status):
		return "success"
	case types.IsPendingStatus(status):
		return "pending"
	case types.IsWarningStatus(status):
		return "warning"
	case status == types.StatusCancel:
		return "cancel"
	default:
		return "failure"
	}
}

// IncProtocolError records a discarded response.
func IncProtocolError(op string) {
	if op == "" {
		op = "unknown"
	}
	protocolErrorsTotal.WithLabelValues(op).Inc()
}

// AddQueryResults records produced series descriptors.
func AddQueryResults(n int) {
	queryResultsTotal.Add(float64(n))
}

// RecordRetrieveIdentifier counts one identifier of a retrieve batch.
func RecordRetrieveIdentifier(method string, ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	retrieveIdentifiersTotal.WithLabelValues(method, result).Inc()
}

// AddRetrieveSubOps adds the final sub-operation counters of one identifier.
func AddRetrieveSubOps(method string, completed, failed, warning int) {
	retrieveSubOpsTotal.WithLabelValues(method, "completed").Add(float64(completed))
	retrieveSubOpsTotal.WithLabelValues(method, "failed").Add(float64(failed))
	retrieveSubOpsTotal.WithLabelValues(method, "warning").Add(float64(warning))
}

var listenerStates = []string{"stopped", "starting", "listening", "stopping"}

// SetListenerState records the active state of a listener.
func SetListenerState(listener, state string) {
	for _, s := range listenerStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		listenerState.WithLabelValues(listener, s).Set(value)
	}
}

// RecordListenerObject counts a received C-STORE by outcome.
func RecordListenerObject(result string) {
	listenerObjectsTotal.WithLabelValues(result).Inc()
}

// RecordSinkPush counts a push by slot kind (timeline, object, none) and result.
func RecordSinkPush(slot, result string) {
	sinkPushesTotal.WithLabelValues(slot, result).Inc()
}

// IncTimelineEviction records one evicted timeline entry.
func IncTimelineEviction() {
	sinkEvictionsTotal.Inc()
}

// RecordPushedObject counts an object sent with C-STORE.
func RecordPushedObject(result string) {
	pushedObjectsTotal.WithLabelValues(result).Inc()
}

// IncEventDrop records a dropped notification.
func IncEventDrop(kind string) {
	eventDropsTotal.WithLabelValues(kind).Inc()
}
