package virtio

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
)

const blockDeviceID = 2

// Block request types, per the virtio-blk spec.
const (
	blkTypeIn  = 0
	blkTypeOut = 1
)

const blkStatusOK = 0
const blkStatusIOErr = 1

// Block is a virtio-blk Backend reading/writing a host file opened
// read-only or read-write per the drive's is_read_only configuration.
type Block struct {
	mu       sync.Mutex
	file     *os.File
	readOnly bool
	capacity uint64 // in 512-byte sectors
}

// NewBlock opens path as the backing store for a virtio-blk device.
func NewBlock(path string, readOnly bool) (*Block, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, err
	}

	return &Block{file: f, readOnly: readOnly, capacity: uint64(info.Size()) / 512}, nil
}

// DeviceID implements Backend.
func (b *Block) DeviceID() uint32 { return blockDeviceID }

// NumQueues implements Backend.
func (b *Block) NumQueues() int { return 1 }

// QueueSizeMax implements Backend.
func (b *Block) QueueSizeMax() uint16 { return 256 }

// UpdatePath swaps the backing file for path, closing the previous one,
// for a post-boot PUT /drives/{id} that only changes path_on_host (spec
// §6: pre-boot PUT inserts a drive, post-boot PUT updates its path).
func (b *Block) UpdatePath(path string) error {
	flag := os.O_RDWR
	if b.readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return err
	}

	b.mu.Lock()
	old := b.file
	b.file = f
	b.capacity = uint64(info.Size()) / 512
	b.mu.Unlock()

	return old.Close()
}

// Features implements Backend; VIRTIO_BLK_F_RO when opened read-only.
func (b *Block) Features() uint64 {
	if b.readOnly {
		return 1 << 5
	}

	return 0
}

// ConfigRead implements Backend: the 8-byte capacity field.
func (b *Block) ConfigRead(offset uint64, out []byte) {
	var cfg [8]byte

	binary.LittleEndian.PutUint64(cfg[:], b.capacity)

	if offset < 8 {
		n := copy(out, cfg[offset:])
		_ = n
	}
}

// ConfigWrite implements Backend; the capacity field is read-only.
func (b *Block) ConfigWrite(offset uint64, in []byte) {}

// blkHeader mirrors the 16-byte virtio-blk request header.
type blkHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Notify implements Backend: walks every available chain and performs the
// requested sector read/write, writing a 1-byte status into the chain's
// final device-writable segment.
func (b *Block) Notify(idx int, q *Queue) error {
	for {
		has, err := q.HasAvail()
		if err != nil || !has {
			return err
		}

		head, chunks, err := q.PopChain()
		if err != nil {
			return err
		}

		n, status := b.serviceRequest(chunks)

		if err := q.PushUsed(head, n); err != nil {
			return err
		}

		_ = status
	}
}

func (b *Block) serviceRequest(chunks []Chunk) (uint32, byte) {
	if len(chunks) < 2 {
		return 0, blkStatusIOErr
	}

	hdr := chunks[0].Host
	if len(hdr) < 16 {
		return 0, blkStatusIOErr
	}

	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	statusChunk := chunks[len(chunks)-1]
	dataChunks := chunks[1 : len(chunks)-1]

	b.mu.Lock()
	defer b.mu.Unlock()

	var written uint32

	switch reqType {
	case blkTypeIn:
		off := int64(sector) * 512

		for _, c := range dataChunks {
			n, err := b.file.ReadAt(c.Host, off)
			written += uint32(n)
			off += int64(n)

			if err != nil && err != io.EOF {
				setStatus(statusChunk, blkStatusIOErr)

				return written, blkStatusIOErr
			}
		}
	case blkTypeOut:
		if b.readOnly {
			setStatus(statusChunk, blkStatusIOErr)

			return 0, blkStatusIOErr
		}

		off := int64(sector) * 512

		for _, c := range dataChunks {
			n, err := b.file.WriteAt(c.Host, off)
			written += uint32(n)
			off += int64(n)

			if err != nil {
				setStatus(statusChunk, blkStatusIOErr)

				return written, blkStatusIOErr
			}
		}
	}

	setStatus(statusChunk, blkStatusOK)

	return written + 1, blkStatusOK
}

func setStatus(c Chunk, status byte) {
	if len(c.Host) > 0 {
		c.Host[0] = status
	}
}
