package scheduler

// QueueEntry is the heap key of a queued ticket.
type QueueEntry struct {
	Priority int
	Seq      uint64
	TicketID int64
}

// less orders entries by priority, then by enqueue sequence.
func (e QueueEntry) less(o QueueEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority < o.Priority
	}
	return e.Seq < o.Seq
}

// ticketQueue implements heap.Interface over queued tickets.
type ticketQueue []*Ticket

func (q ticketQueue) Len() int { return len(q) }

func (q ticketQueue) Less(i, j int) bool { return q[i].entry.less(q[j].entry) }

func (q ticketQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *ticketQueue) Push(x any) {
	t := x.(*Ticket)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *ticketQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
