package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the scheduling service. Downstream consumers
// (reminders, notifications, analytics) subscribe per topic.
const (
	EventAppointmentScheduled = "scheduling.appointment.scheduled.v1"
	EventAppointmentUpdated   = "scheduling.appointment.updated.v1"
	EventAppointmentCancelled = "scheduling.appointment.cancelled.v1"
	EventAppointmentCompleted = "scheduling.appointment.completed.v1"
	EventAppointmentNoShow    = "scheduling.appointment.no_show.v1"
)
