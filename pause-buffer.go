package mpsteer

// PauseItem is a packet held while its flow changes path, with its header
type PauseItem struct {
	Pckt any
	Hdr  PacketMeta
}

// PauseBuffer is a strict FIFO of held packets.  It has no capacity bound; how long
// the sender pauses decides how large it grows.
type PauseBuffer struct {
	items []PauseItem
}

// CreatePauseBuffer is a constructor
func CreatePauseBuffer() *PauseBuffer {
	return &PauseBuffer{items: make([]PauseItem, 0)}
}

// Push appends a packet and its header
func (pb *PauseBuffer) Push(pckt any, hdr PacketMeta) {
	pb.items = append(pb.items, PauseItem{Pckt: pckt, Hdr: hdr})
}

// Pop removes and returns the oldest entry
func (pb *PauseBuffer) Pop() (PauseItem, error) {
	if len(pb.items) == 0 {
		return PauseItem{}, ErrBufferEmpty
	}
	item := pb.items[0]
	pb.items[0] = PauseItem{}
	pb.items = pb.items[1:]
	return item, nil
}

// IsEmpty reports whether nothing is held
func (pb *PauseBuffer) IsEmpty() bool {
	return len(pb.items) == 0
}

// Len returns the number of packets held
func (pb *PauseBuffer) Len() int {
	return len(pb.items)
}
