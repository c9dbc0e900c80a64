package crdt

// OpKind discriminates the operation types of the sequence CRDT.
type OpKind byte

const (
	// OpInsert places a new element behind an existing anchor element.
	OpInsert OpKind = 1
	// OpDelete marks an existing element as a tombstone.
	OpDelete OpKind = 2
)

// Op is one primitive edit. Insert operations use Ref as the anchor and
// carry the inserted rune; delete operations use Ref as the target. The
// ID is unique across the whole document history.
type Op struct {
	Kind OpKind
	ID   ID
	Ref  ID
	Rune rune
}

// InsertOp builds an insert operation.
func InsertOp(id, anchor ID, r rune) Op {
	return Op{Kind: OpInsert, ID: id, Ref: anchor, Rune: r}
}

// DeleteOp builds a delete operation targeting an existing element.
func DeleteOp(id, target ID) Op {
	return Op{Kind: OpDelete, ID: id, Ref: target}
}
