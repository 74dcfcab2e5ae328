package prescription

// Operation is a state-changing request against a prescription.
type Operation string

const (
	OpVerify       Operation = "verify"
	OpFill         Operation = "fill"
	OpCompleteFill Operation = "complete fill"
	OpDispense     Operation = "dispense"
	OpCancel       Operation = "cancel"
	OpUpdate       Operation = "update"
)

type transitionKey struct {
	from Status
	op   Operation
}

// transitions is the complete table; any (status, operation) pair absent
// from it is rejected. Update keeps the status unchanged.
var transitions = map[transitionKey]Status{
	{StatusPending, OpVerify}:       StatusVerified,
	{StatusVerified, OpFill}:        StatusFilling,
	{StatusFilling, OpCompleteFill}: StatusFilled,
	{StatusFilled, OpDispense}:      StatusDispensed,

	{StatusPending, OpCancel}:  StatusCancelled,
	{StatusVerified, OpCancel}: StatusCancelled,
	{StatusFilling, OpCancel}:  StatusCancelled,
	{StatusFilled, OpCancel}:   StatusCancelled,

	{StatusPending, OpUpdate}:  StatusPending,
	{StatusVerified, OpUpdate}: StatusVerified,
	{StatusFilling, OpUpdate}:  StatusFilling,
	{StatusFilled, OpUpdate}:   StatusFilled,
}

// Next returns the status reached by applying op in status from.
func Next(from Status, op Operation) (Status, error) {
	to, ok := transitions[transitionKey{from, op}]
	if !ok {
		return from, InvalidState(op, from)
	}
	return to, nil
}

// Allowed lists the operations accepted in the given status.
func Allowed(from Status) []Operation {
	var ops []Operation
	for _, op := range []Operation{OpVerify, OpFill, OpCompleteFill, OpDispense, OpCancel, OpUpdate} {
		if _, ok := transitions[transitionKey{from, op}]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}
