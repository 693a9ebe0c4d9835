package domain

// OrderLine is one line of a customer order. It is comparable and used as a
// set key, so two lines are the same allocation iff every field matches.
type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}
