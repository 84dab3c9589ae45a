package orders

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// validNext is the lifecycle followed by the event consumers. Administrative
// status updates through Service.UpdateOrderStatus are not bound by it.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusFailed: true, StatusCancelled: true},
	StatusConfirmed: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusCompleted: {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
