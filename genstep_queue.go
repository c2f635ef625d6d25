package blobgc

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

const btreeDegree = 8

// allocatedGenStep is a GenStep reserved by a write batch. It is finished
// once every holder has released it.
type allocatedGenStep struct {
	genStep GenStep
	holders int
}

func (a *allocatedGenStep) finished() bool {
	return a.holders == 0
}

func allocatedGenStepLess(a, b *allocatedGenStep) bool {
	return a.genStep.Less(b.genStep)
}

// genStepQueue owns every allocation in GenStep order. Batches refer to their
// slot by GenStep only.
type genStepQueue struct {
	tree *btree.BTreeG[*allocatedGenStep]
}

func newGenStepQueue() *genStepQueue {
	return &genStepQueue{tree: btree.NewG[*allocatedGenStep](btreeDegree, allocatedGenStepLess)}
}

func (q *genStepQueue) push(genStep GenStep, holders int) {
	if _, existed := q.tree.ReplaceOrInsert(&allocatedGenStep{genStep: genStep, holders: holders}); existed {
		panic(errors.AssertionFailedf("gen step %s allocated twice", genStep))
	}
}

func (q *genStepQueue) release(genStep GenStep) {
	slot, ok := q.tree.Get(&allocatedGenStep{genStep: genStep})
	if !ok {
		panic(errors.AssertionFailedf("release of unknown gen step %s", genStep))
	}
	if slot.holders <= 0 {
		panic(errors.AssertionFailedf("gen step %s released more times than held", genStep))
	}
	slot.holders--
}

func (q *genStepQueue) front() (*allocatedGenStep, bool) {
	return q.tree.Min()
}

func (q *genStepQueue) popFront() {
	q.tree.DeleteMin()
}

func (q *genStepQueue) len() int {
	return q.tree.Len()
}

func (q *genStepQueue) clear() {
	q.tree.Clear(false)
}

// blobQueue is an ordered set of blob ids, earliest GenStep first.
type blobQueue struct {
	tree *btree.BTreeG[BlobID]
}

func newBlobQueue() *blobQueue {
	return &blobQueue{tree: btree.NewG[BlobID](btreeDegree, BlobID.Less)}
}

func (q *blobQueue) insert(id BlobID) bool {
	_, existed := q.tree.ReplaceOrInsert(id)
	return !existed
}

func (q *blobQueue) delete(id BlobID) bool {
	_, ok := q.tree.Delete(id)
	return ok
}

func (q *blobQueue) has(id BlobID) bool {
	return q.tree.Has(id)
}

func (q *blobQueue) min() (BlobID, bool) {
	return q.tree.Min()
}

func (q *blobQueue) len() int {
	return q.tree.Len()
}

func (q *blobQueue) clear() {
	q.tree.Clear(false)
}

func (q *blobQueue) ascend(fn func(id BlobID) bool) {
	q.tree.Ascend(fn)
}

func (q *blobQueue) items() []BlobID {
	out := make([]BlobID, 0, q.tree.Len())
	q.tree.Ascend(func(id BlobID) bool {
		out = append(out, id)
		return true
	})
	return out
}
