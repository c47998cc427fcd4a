package models

// OrderResult is the structured outcome of an order operation. Callers can
// always distinguish a validation rejection from a broker failure from a
// circuit-open fast fail by inspecting the wrapped error.
type OrderResult struct {
	Success bool
	Message string
	OrderID string
	Order   *Order
	Err     error
}

// CloseResult is the structured outcome of a full or partial close.
type CloseResult struct {
	Success     bool
	Message     string
	PositionID  string
	UnitsClosed float64
	RealizedPL  float64
	Err         error
}

// ModifyRequest asks for a stop-loss and/or take-profit change on a
// position. A zero price leaves that level untouched.
type ModifyRequest struct {
	PositionID string
	StopLoss   float64
	TakeProfit float64
}
