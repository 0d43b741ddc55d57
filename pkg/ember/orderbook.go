package ember

// BookCapacity is the number of slots in a book's arena. Slot 0 is a
// dedicated sentinel and never holds a live order, so a book holds at most
// BookCapacity-1 resident orders.
const BookCapacity = 128

const nilSlot = 0

// OrderBook is one side of a book pair: a fixed arena of order slots linked
// into a single chain ordered by price-time priority. Bids rank descending by
// price, asks ascending; equal prices rank by insertion order, earlier first.
// Best and Worst anchor the two ends of the chain and are nilSlot iff the
// book is empty.
type OrderBook struct {
	Side   Side
	Best   uint64
	Worst  uint64
	Orders [BookCapacity]Order
}

// NewOrderBook creates an empty book for one side.
func NewOrderBook(side Side) *OrderBook {
	return &OrderBook{Side: side}
}

// priceBetter reports whether lhs outranks rhs on this side.
func (b *OrderBook) priceBetter(lhs, rhs uint64) bool {
	if b.Side == Bid {
		return lhs > rhs
	}
	return lhs < rhs
}

// InsertOrder places a new resident order at its priority position. If the
// arena is full and the incoming order outranks the current worst resident,
// the worst is evicted and a copy of it is returned so the caller can refund
// its escrow; if it does not outrank the worst, ErrBookFull is returned and
// nothing changes. The returned slot index addresses the new order.
func (b *OrderBook) InsertOrder(size, price, uid, expireAt uint64) (uint64, *Order, error) {
	if uid == nilSlot {
		return 0, nil, ErrUnknownUser
	}
	if price == 0 {
		return 0, nil, ErrInvalidPrice
	}
	if size == 0 {
		return 0, nil, ErrInvalidSize
	}

	// Find the first resident order the incoming one outranks. Equal prices
	// keep the resident ahead, so the scan uses a strict comparison. The scan
	// stops at the insertion point; nothing past it is examined.
	succ := uint64(nilSlot)
	for i := b.Best; i != nilSlot; i = b.Orders[i].Next {
		if b.priceBetter(price, b.Orders[i].Price) {
			succ = i
			break
		}
	}

	slot := b.freeSlot()
	var evicted *Order
	if slot == nilSlot {
		// Arena full. succ == nilSlot means the incoming order outranks no
		// resident, in particular not the worst.
		if succ == nilSlot {
			return 0, nil, ErrBookFull
		}
		worst := b.Worst
		ev := b.Orders[worst]
		// Unlink the worst before reusing its slot so the chain is intact
		// when the new order is spliced in.
		if err := b.RemoveOrder(worst); err != nil {
			return 0, nil, err
		}
		if succ == worst {
			succ = nilSlot
		}
		evicted = &ev
		slot = worst
	}

	b.Orders[slot] = Order{Price: price, Size: size, UID: uid, ExpireAt: expireAt}
	b.linkBefore(slot, succ)
	return slot, evicted, nil
}

// linkBefore splices slot into the chain immediately ahead of succ, or at the
// tail when succ is nilSlot.
func (b *OrderBook) linkBefore(slot, succ uint64) {
	o := &b.Orders[slot]
	if succ == nilSlot {
		o.Prev = b.Worst
		o.Next = nilSlot
		if b.Worst != nilSlot {
			b.Orders[b.Worst].Next = slot
		}
		b.Worst = slot
		if b.Best == nilSlot {
			b.Best = slot
		}
		return
	}
	prev := b.Orders[succ].Prev
	o.Prev = prev
	o.Next = succ
	b.Orders[succ].Prev = slot
	if prev == nilSlot {
		b.Best = slot
	} else {
		b.Orders[prev].Next = slot
	}
}

// RemoveOrder unlinks the given slot and zeroes it. Removing the head
// promotes its next; removing the tail retreats to its prev.
func (b *OrderBook) RemoveOrder(slot uint64) error {
	if slot == nilSlot || slot >= BookCapacity || !b.Orders[slot].Resident() {
		return ErrOrderNotFound
	}
	o := b.Orders[slot]
	if o.Prev == nilSlot {
		b.Best = o.Next
	} else {
		b.Orders[o.Prev].Next = o.Next
	}
	if o.Next == nilSlot {
		b.Worst = o.Prev
	} else {
		b.Orders[o.Next].Prev = o.Prev
	}
	b.Orders[slot] = Order{}
	return nil
}

// Order returns the resident order at slot.
func (b *OrderBook) Order(slot uint64) (*Order, error) {
	if slot == nilSlot || slot >= BookCapacity || !b.Orders[slot].Resident() {
		return nil, ErrOrderNotFound
	}
	return &b.Orders[slot], nil
}

// BestOrder returns the highest-priority resident order, nil if the book is
// empty.
func (b *OrderBook) BestOrder() *Order {
	if b.Best == nilSlot {
		return nil
	}
	return &b.Orders[b.Best]
}

// WorstOrder returns the lowest-priority resident order, nil if the book is
// empty. A full book evicts this order first.
func (b *OrderBook) WorstOrder() *Order {
	if b.Worst == nilSlot {
		return nil
	}
	return &b.Orders[b.Worst]
}

// Full reports whether every usable slot holds a resident order.
func (b *OrderBook) Full() bool {
	return b.freeSlot() == nilSlot
}

// Len counts resident orders.
func (b *OrderBook) Len() int {
	n := 0
	for i := b.Best; i != nilSlot; i = b.Orders[i].Next {
		n++
	}
	return n
}

// Levels walks the chain and aggregates resident size per price, best first.
func (b *OrderBook) Levels() []PriceLevel {
	var levels []PriceLevel
	for i := b.Best; i != nilSlot; i = b.Orders[i].Next {
		o := &b.Orders[i]
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Size += o.Size
			levels[n-1].Count++
			continue
		}
		levels = append(levels, PriceLevel{Price: o.Price, Size: o.Size, Count: 1})
	}
	return levels
}

// freeSlot returns the index of an empty slot, nilSlot if the arena is full.
func (b *OrderBook) freeSlot() uint64 {
	for i := uint64(1); i < BookCapacity; i++ {
		if !b.Orders[i].Resident() {
			return i
		}
	}
	return nilSlot
}
