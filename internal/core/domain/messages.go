package domain

import "time"

// Message is either a Command or an Event. The set is closed: only types in
// this package implement the unexported markers.
type Message interface {
	Name() string
}

// Command is an intent handled by exactly one handler.
type Command interface {
	Message
	isCommand()
}

// Event is a fact fanned out to zero or more handlers.
type Event interface {
	Message
	isEvent()
}

const (
	AllocateOrderLineName   = "AllocateOrderLine"
	CreateBatchName         = "CreateBatch"
	ChangeBatchQuantityName = "ChangeBatchQuantity"

	BatchCreatedName = "BatchCreated"
	AllocatedName    = "Allocated"
	DeallocatedName  = "Deallocated"
	OutOfStockName   = "OutOfStock"
)

type AllocateOrderLine struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

// AllocationRequired is the name event-driven producers use for an allocation
// request. It is the same command.
type AllocationRequired = AllocateOrderLine

type CreateBatch struct {
	Reference string     `json:"ref"`
	SKU       string     `json:"sku"`
	Qty       int        `json:"qty"`
	ETA       *time.Time `json:"eta,omitempty"`
}

type ChangeBatchQuantity struct {
	Reference string `json:"ref"`
	Qty       int    `json:"qty"`
}

// BatchCreated arrives from the purchasing side when stock is ordered.
type BatchCreated struct {
	Reference string     `json:"ref"`
	SKU       string     `json:"sku"`
	Qty       int        `json:"qty"`
	ETA       *time.Time `json:"eta,omitempty"`
}

type Allocated struct {
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

type Deallocated struct {
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

type OutOfStock struct {
	SKU string `json:"sku"`
}

func (AllocateOrderLine) Name() string   { return AllocateOrderLineName }
func (CreateBatch) Name() string         { return CreateBatchName }
func (ChangeBatchQuantity) Name() string { return ChangeBatchQuantityName }
func (BatchCreated) Name() string        { return BatchCreatedName }
func (Allocated) Name() string           { return AllocatedName }
func (Deallocated) Name() string         { return DeallocatedName }
func (OutOfStock) Name() string          { return OutOfStockName }

func (AllocateOrderLine) isCommand()   {}
func (CreateBatch) isCommand()         {}
func (ChangeBatchQuantity) isCommand() {}

func (BatchCreated) isEvent() {}
func (Allocated) isEvent()    {}
func (Deallocated) isEvent()  {}
func (OutOfStock) isEvent()   {}

func (l OrderLine) allocatedTo(ref string) Allocated {
	return Allocated{OrderID: l.OrderID, SKU: l.SKU, Qty: l.Qty, BatchRef: ref}
}

func (l OrderLine) deallocatedFrom(ref string) Deallocated {
	return Deallocated{OrderID: l.OrderID, SKU: l.SKU, Qty: l.Qty, BatchRef: ref}
}
