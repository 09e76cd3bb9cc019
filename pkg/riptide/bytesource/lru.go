package bytesource

// lruNode is a node in the LRU doubly-linked list.
type lruNode struct {
	name string
	data []byte
	prev *lruNode
	next *lruNode
}

// lruList is a doubly-linked list for LRU tracking.
// Most recently used entries are at the front.
type lruList struct {
	head *lruNode
	tail *lruNode
	size int
}

// pushFront adds an entry to the front of the list (most recently used).
func (l *lruList) pushFront(name string, data []byte) *lruNode {
	node := &lruNode{name: name, data: data}

	if l.head == nil {
		l.head = node
		l.tail = node
	} else {
		node.next = l.head
		l.head.prev = node
		l.head = node
	}

	l.size++
	return node
}

// remove removes a node from the list.
func (l *lruList) remove(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}

	node.prev, node.next = nil, nil
	l.size--
}

// moveToFront moves an existing node to the front of the list.
func (l *lruList) moveToFront(node *lruNode) {
	if node == l.head {
		return
	}
	l.remove(node)
	l.size++

	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
}

// back returns the tail node (least recently used).
func (l *lruList) back() *lruNode {
	return l.tail
}

// len returns the number of nodes in the list.
func (l *lruList) len() int {
	return l.size
}
