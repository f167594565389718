package agreement

import "time"

// ID identifies an agreement. Issued ids start at 1 and only grow.
type ID uint64

// Agreement mirrors the rental_agreements table.
type Agreement struct {
	ID              ID
	PropertyAddress string
	Landlord        string
	Tenant          string
	RentAmount      int64
	DurationMonths  uint32
	StartDate       uint64
	Executed        bool
	DepositPaid     bool
}

// Caller is the account an operation is submitted on behalf of, together with
// the proof that the submitter controls it.
type Caller struct {
	Account string
	Proof   string
}

// CreateParams carries the immutable terms of a new agreement.
type CreateParams struct {
	PropertyAddress string
	Landlord        string
	Tenant          string
	RentAmount      int64
	DurationMonths  uint32
	StartDate       uint64
}

// Operation names a lifecycle transition.
type Operation string

const (
	OpCreate        Operation = "create_agreement"
	OpExecute       Operation = "execute_agreement"
	OpPayRent       Operation = "pay_rent"
	OpTerminate     Operation = "terminate_agreement"
	OpRefundDeposit Operation = "refund_deposit"
)

// EventType enumerates the timeline events appended by transitions.
type EventType string

const (
	EventCreated         EventType = "AGREEMENT_CREATED"
	EventExecuted        EventType = "AGREEMENT_EXECUTED"
	EventRentPaid        EventType = "RENT_PAID"
	EventTerminated      EventType = "AGREEMENT_TERMINATED"
	EventDepositRefunded EventType = "DEPOSIT_REFUNDED"
)

// Outbox topics, one per event type.
const (
	OutboxTopicCreated         = "agreement.created"
	OutboxTopicExecuted        = "agreement.executed"
	OutboxTopicRentPaid        = "agreement.rent_paid"
	OutboxTopicTerminated      = "agreement.terminated"
	OutboxTopicDepositRefunded = "agreement.deposit_refunded"
)

// Event captures an immutable business event for an agreement. Events are
// kept after the agreement itself is deleted.
type Event struct {
	AgreementID ID
	Type        EventType
	Actor       string
	Payload     map[string]any
}

// TimelineEvent is a persisted Event with its per-agreement sequence number.
type TimelineEvent struct {
	ID          int64
	AgreementID ID
	Seq         int
	Type        EventType
	Actor       *string
	CreatedAt   time.Time
	Payload     []byte
}

// IdempotencyRecord binds a client supplied key to the operation it first
// authorised, the account that submitted it and a digest of its arguments.
type IdempotencyRecord struct {
	Key         string
	Operation   Operation
	AgreementID ID
	Caller      string
	Digest      string
}

func topicFor(t EventType) string {
	switch t {
	case EventCreated:
		return OutboxTopicCreated
	case EventExecuted:
		return OutboxTopicExecuted
	case EventRentPaid:
		return OutboxTopicRentPaid
	case EventTerminated:
		return OutboxTopicTerminated
	case EventDepositRefunded:
		return OutboxTopicDepositRefunded
	default:
		return "agreement.unknown"
	}
}
