package storage

import "github.com/rl1809/allocation-service/internal/core/domain"

// tracked is a product seen by a scope together with what it looked like when
// it was read.
type tracked struct {
	product     *domain.Product
	readVersion int
	isNew       bool
	// purchased quantity per batch reference at read time
	readBatches map[string]int
	events      []domain.Event
}

func (t *tracked) changed() bool {
	return t.isNew || t.product.Version != t.readVersion
}

// tracker keeps products in first-touched order.
type tracker struct {
	order    []*tracked
	products map[string]*tracked
	// events recorded without a product
	loose []domain.Event
}

func newTracker() *tracker {
	return &tracker{products: make(map[string]*tracked)}
}

func (t *tracker) lookup(sku string) (*domain.Product, bool) {
	if tr, ok := t.products[sku]; ok {
		return tr.product, true
	}
	return nil, false
}

func (t *tracker) owner(ref string) (*domain.Product, bool) {
	for _, tr := range t.order {
		if _, ok := tr.product.Batch(ref); ok {
			return tr.product, true
		}
	}
	return nil, false
}

func (t *tracker) track(p *domain.Product) {
	batches := p.Batches()
	read := make(map[string]int, len(batches))
	for _, b := range batches {
		read[b.Reference] = b.PurchasedQuantity()
	}
	t.put(&tracked{product: p, readVersion: p.Version, readBatches: read})
}

func (t *tracker) trackNew(p *domain.Product) {
	t.put(&tracked{product: p, readVersion: p.Version, isNew: true, readBatches: map[string]int{}})
}

func (t *tracker) put(tr *tracked) {
	t.products[tr.product.SKU] = tr
	t.order = append(t.order, tr)
}

func (t *tracker) record(p *domain.Product, events []domain.Event) {
	if p != nil {
		if tr, ok := t.products[p.SKU]; ok {
			tr.events = append(tr.events, events...)
			return
		}
	}
	t.loose = append(t.loose, events...)
}

func (t *tracker) changes() []*tracked {
	var out []*tracked
	for _, tr := range t.order {
		if tr.changed() {
			out = append(out, tr)
		}
	}
	return out
}

func (t *tracker) events() []domain.Event {
	var out []domain.Event
	for _, tr := range t.order {
		out = append(out, tr.events...)
	}
	return append(out, t.loose...)
}
