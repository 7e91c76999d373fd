package orders

// Status is the canonical order lifecycle. Downstream services import these
// constants instead of keeping their own copies.
type Status string

const (
	StatusPreOrder        Status = "PRE_ORDER"
	StatusPending         Status = "PENDING"
	StatusPayment         Status = "PAYMENT"
	StatusAssignStore     Status = "ASSIGN_ORDER_STORE"
	StatusManagerAccept   Status = "MANAGER_ACCEPT"
	StatusReadyForInvoice Status = "READY_FOR_INVOICE"
	StatusConfirmed       Status = "CONFIRMED"
	StatusPackaged        Status = "PACKAGED"
	StatusShipping        Status = "SHIPPING"
	StatusDelivered       Status = "DELIVERED"
	StatusFinished        Status = "FINISHED"

	StatusManagerReject Status = "MANAGER_REJECT"
	StatusCancelled     Status = "CANCELLED"
)

// chain is the forward fulfillment path; rank gives "at or past" semantics
// for idempotent event application.
var chain = []Status{
	StatusPreOrder,
	StatusPending,
	StatusPayment,
	StatusAssignStore,
	StatusManagerAccept,
	StatusReadyForInvoice,
	StatusConfirmed,
	StatusPackaged,
	StatusShipping,
	StatusDelivered,
	StatusFinished,
}

var rank = func() map[Status]int {
	m := make(map[Status]int, len(chain))
	for i, s := range chain {
		m[s] = i
	}
	return m
}()

// validNext is the closed transition table. MANAGER_REJECT is reachable
// from the reservation stage onward, since a failed stock reservation
// re-routes the order there before a store was ever assigned.
var validNext = map[Status]map[Status]bool{
	StatusPreOrder:        {StatusPending: true, StatusCancelled: true},
	StatusPending:         {StatusPayment: true, StatusManagerReject: true, StatusCancelled: true},
	StatusPayment:         {StatusAssignStore: true, StatusManagerReject: true, StatusCancelled: true},
	StatusAssignStore:     {StatusManagerAccept: true, StatusManagerReject: true, StatusCancelled: true},
	StatusManagerAccept:   {StatusReadyForInvoice: true, StatusManagerReject: true, StatusCancelled: true},
	StatusReadyForInvoice: {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:       {StatusPackaged: true, StatusCancelled: true},
	StatusPackaged:        {StatusShipping: true, StatusCancelled: true},
	StatusShipping:        {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:       {StatusFinished: true, StatusCancelled: true},
	StatusFinished:        {},
	StatusManagerReject:   {},
	StatusCancelled:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func IsTerminal(s Status) bool {
	return len(validNext[s]) == 0
}

// OnChain reports whether s sits on the forward fulfillment path.
func OnChain(s Status) bool {
	_, ok := rank[s]
	return ok
}

// AtOrPast reports whether cur already reached target on the chain.
func AtOrPast(cur, target Status) bool {
	rc, okc := rank[cur]
	rt, okt := rank[target]
	return okc && okt && rc >= rt
}

// PathTo returns the chain statuses strictly between cur and target,
// inclusive of target. ok is false when target is not strictly ahead of cur.
func PathTo(cur, target Status) ([]Status, bool) {
	rc, okc := rank[cur]
	rt, okt := rank[target]
	if !okc || !okt || rt <= rc {
		return nil, false
	}
	return chain[rc+1 : rt+1], true
}
