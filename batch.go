package kvadapter

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch collects mutations to be applied atomically by Engine.Write.
type Batch struct {
	ops []batchOp
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

func (b *Batch) Len() int { return len(b.ops) }

func (b *Batch) Reset() { b.ops = b.ops[:0] }

// Replay calls put or del for every mutation in insertion order and stops
// at the first error.
func (b *Batch) Replay(put func(key, value []byte) error, del func(key []byte) error) error {
	for _, op := range b.ops {
		var err error
		if op.delete {
			err = del(op.key)
		} else {
			err = put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
