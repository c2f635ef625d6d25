package blobgc

import (
	"github.com/cockroachdb/errors"
)

// BlobBatch collects the blobs of one write operation. All blobs share the
// batch's GenStep and differ by cookie. A batch is committed or aborted
// exactly once through the Manager that started it.
type BlobBatch struct {
	tabletID uint64
	genStep  GenStep
	channel  uint32
	group    uint32

	blobSizes     []uint32
	inFlight      []bool
	inFlightCount int
	totalSize     uint64
	smallBlobs    [][]byte

	done bool
}

func newBlobBatch(tabletInfo *TabletInfo, genStep GenStep, channel uint32) *BlobBatch {
	return &BlobBatch{
		tabletID: tabletInfo.TabletID,
		genStep:  genStep,
		channel:  channel,
		group:    tabletInfo.GroupFor(channel, genStep.Gen),
	}
}

func (b *BlobBatch) GenStep() GenStep {
	return b.genStep
}

func (b *BlobBatch) Channel() uint32 {
	return b.channel
}

// Group is the storage group every store blob of this batch is written to.
func (b *BlobBatch) Group() uint32 {
	return b.group
}

// AllocateBlob reserves the id of the next store blob and marks it in flight.
// Sizes above MaxBlobSize are a caller bug.
func (b *BlobBatch) AllocateBlob(size int) BlobID {
	b.mustBeOpen()
	if size < 0 || size > MaxBlobSize {
		panic(errors.AssertionFailedf("blob size %d exceeds the limit %d", size, MaxBlobSize))
	}
	b.blobSizes = append(b.blobSizes, uint32(size))
	b.inFlight = append(b.inFlight, true)
	b.inFlightCount++
	b.totalSize += uint64(size)
	return b.blobID(len(b.blobSizes) - 1)
}

// AllocateSmallBlob keeps data inline. Small blobs are not part of TotalSize.
func (b *BlobBatch) AllocateSmallBlob(data []byte) BlobID {
	b.mustBeOpen()
	b.smallBlobs = append(b.smallBlobs, append([]byte(nil), data...))
	return b.smallBlobID(len(b.smallBlobs) - 1)
}

// AcknowledgeWrite records that the store blob id is durable.
func (b *BlobBatch) AcknowledgeWrite(id BlobID) {
	b.mustBeOpen()
	if !b.owns(id) {
		panic(errors.AssertionFailedf("blob %s does not belong to batch %s", id, b.genStep))
	}
	cookie := id.Cookie()
	if !b.inFlight[cookie] {
		panic(errors.AssertionFailedf("blob %s is already acked", id))
	}
	b.inFlight[cookie] = false
	b.inFlightCount--
}

// OnBlobWriteResult acknowledges a put result. The transport must have
// handled unsuccessful statuses already.
func (b *BlobBatch) OnBlobWriteResult(res PutResult) {
	if res.Status != StatusOK {
		panic(errors.AssertionFailedf("put of %s finished with status %s; the caller must handle unsuccessful status", res.Blob, res.Status))
	}
	b.AcknowledgeWrite(res.Blob)
}

func (b *BlobBatch) AllWritesComplete() bool {
	return b.inFlightCount == 0
}

func (b *BlobBatch) BlobCount() int {
	return len(b.blobSizes)
}

func (b *BlobBatch) SmallBlobCount() int {
	return len(b.smallBlobs)
}

func (b *BlobBatch) TotalSize() uint64 {
	return b.totalSize
}

// BlobIDs returns the store blob ids allocated so far, in cookie order.
func (b *BlobBatch) BlobIDs() []BlobID {
	out := make([]BlobID, len(b.blobSizes))
	for i := range b.blobSizes {
		out[i] = b.blobID(i)
	}
	return out
}

func (b *BlobBatch) owns(id BlobID) bool {
	return id.IsStoreBlob() &&
		id.TabletID() == b.tabletID &&
		id.GenStep() == b.genStep &&
		id.Channel() == b.channel &&
		int(id.Cookie()) < len(b.blobSizes) &&
		id.Size() == b.blobSizes[id.Cookie()]
}

func (b *BlobBatch) blobID(i int) BlobID {
	return NewStoreBlobID(b.group, b.tabletID, b.genStep.Gen, b.genStep.Step, b.channel, b.blobSizes[i], uint32(i))
}

func (b *BlobBatch) smallBlobID(i int) BlobID {
	return NewSmallBlobID(b.tabletID, b.genStep.Gen, b.genStep.Step, uint32(i), uint32(len(b.smallBlobs[i])))
}

func (b *BlobBatch) mustBeOpen() {
	if b.done {
		panic(errors.AssertionFailedf("batch %s used after commit or abort", b.genStep))
	}
}
