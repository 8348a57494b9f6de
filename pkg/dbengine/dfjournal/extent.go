package dfjournal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

const descriptorSize = 8 + 8 + 8 + 4 + 4 + 1 + 4 + 4 // fp,start,end,update_every,count,encoding,payload_off,payload_size

// PageDescriptor is one page's entry inside an extent header (spec §6).
type PageDescriptor struct {
	Fingerprint             core.Fingerprint
	StartTimeS              int64
	EndTimeS                int64
	UpdateEveryS            int32
	SampleCount             uint32
	Encoding                core.Encoding
	PayloadOffsetInExtent   uint32 // offset within the *uncompressed* concatenation
	PayloadUncompressedSize uint32
}

// PageRecord is the input to EncodeExtent: a page's already-finalised
// payload plus the descriptor fields needed to place it.
type PageRecord struct {
	Fingerprint  core.Fingerprint
	StartTimeS   int64
	EndTimeS     int64
	UpdateEveryS int32
	SampleCount  uint32
	Encoding     core.Encoding
	Payload      []byte
}

// Extent is a decoded extent: its descriptors plus the decompressed
// page payloads concatenated in descriptor order.
type Extent struct {
	CompressionAlgo  core.CompressionAlgo
	Descriptors      []PageDescriptor
	UncompressedData []byte
	Size             int64 // total on-disk bytes (header+payload+trailer)
}

// PagePayload returns the decoded payload bytes for descriptor index i.
func (e *Extent) PagePayload(i int) []byte {
	d := e.Descriptors[i]
	return e.UncompressedData[d.PayloadOffsetInExtent : d.PayloadOffsetInExtent+d.PayloadUncompressedSize]
}

// EncodeExtent serialises pages into one on-disk extent: header
// (sizes + compression algo + page descriptors), compressed payload,
// and a CRC32C trailer over header+payload (spec §6).
func EncodeExtent(pages []PageRecord, algo core.CompressionAlgo) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("dfjournal: cannot encode an empty extent")
	}

	uncompressed := make([]byte, 0, 4096)
	descriptors := make([]PageDescriptor, len(pages))
	for i, p := range pages {
		off := uint32(len(uncompressed))
		uncompressed = append(uncompressed, p.Payload...)
		descriptors[i] = PageDescriptor{
			Fingerprint:             p.Fingerprint,
			StartTimeS:              p.StartTimeS,
			EndTimeS:                p.EndTimeS,
			UpdateEveryS:            p.UpdateEveryS,
			SampleCount:             p.SampleCount,
			Encoding:                p.Encoding,
			PayloadOffsetInExtent:   off,
			PayloadUncompressedSize: uint32(len(p.Payload)),
		}
	}

	compressed, err := compress(algo, uncompressed)
	if err != nil {
		return nil, err
	}

	headerLen := 4 + 4 + 4 + 1 + 2 + len(descriptors)*descriptorSize
	buf := make([]byte, headerLen, headerLen+len(compressed)+4)

	extentSize := uint32(headerLen + len(compressed) + 4)
	binary.LittleEndian.PutUint32(buf[0:], extentSize)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(uncompressed)))
	buf[12] = byte(algo)
	binary.LittleEndian.PutUint16(buf[13:], uint16(len(descriptors)))

	off := 15
	for _, d := range descriptors {
		binary.LittleEndian.PutUint64(buf[off:], uint64(d.Fingerprint))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(d.StartTimeS))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(d.EndTimeS))
		binary.LittleEndian.PutUint32(buf[off+24:], uint32(d.UpdateEveryS))
		binary.LittleEndian.PutUint32(buf[off+28:], d.SampleCount)
		buf[off+32] = byte(d.Encoding)
		binary.LittleEndian.PutUint32(buf[off+33:], d.PayloadOffsetInExtent)
		binary.LittleEndian.PutUint32(buf[off+37:], d.PayloadUncompressedSize)
		off += descriptorSize
	}

	buf = append(buf, compressed...)

	crc := crc32.Checksum(buf, crc32cTable)
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, crc)
	buf = append(buf, trailer...)

	return buf, nil
}

// DecodeExtentAt reads and validates (CRC32C) the extent starting at
// byte offset off within r, then decompresses its payload.
func DecodeExtentAt(r io.ReaderAt, off int64) (*Extent, error) {
	var sizeBuf [4]byte
	if _, err := r.ReadAt(sizeBuf[:], off); err != nil {
		return nil, err
	}
	extentSize := binary.LittleEndian.Uint32(sizeBuf[:])
	if extentSize < 15+4 {
		return nil, fmt.Errorf("dfjournal: implausible extent size %d at offset %d", extentSize, off)
	}

	full := make([]byte, extentSize)
	if _, err := r.ReadAt(full, off); err != nil {
		return nil, err
	}

	body := full[:len(full)-4]
	trailerCRC := binary.LittleEndian.Uint32(full[len(full)-4:])
	if got := crc32.Checksum(body, crc32cTable); got != trailerCRC {
		return nil, fmt.Errorf("dfjournal: extent at offset %d failed CRC32C check (corrupt or truncated)", off)
	}

	compressedSize := binary.LittleEndian.Uint32(full[4:])
	uncompressedSize := binary.LittleEndian.Uint32(full[8:])
	algo := core.CompressionAlgo(full[12])
	pageCount := binary.LittleEndian.Uint16(full[13:])

	descOff := 15
	descriptors := make([]PageDescriptor, pageCount)
	for i := range descriptors {
		b := full[descOff:]
		descriptors[i] = PageDescriptor{
			Fingerprint:             core.Fingerprint(binary.LittleEndian.Uint64(b[0:])),
			StartTimeS:              int64(binary.LittleEndian.Uint64(b[8:])),
			EndTimeS:                int64(binary.LittleEndian.Uint64(b[16:])),
			UpdateEveryS:            int32(binary.LittleEndian.Uint32(b[24:])),
			SampleCount:             binary.LittleEndian.Uint32(b[28:]),
			Encoding:                core.Encoding(b[32]),
			PayloadOffsetInExtent:   binary.LittleEndian.Uint32(b[33:]),
			PayloadUncompressedSize: binary.LittleEndian.Uint32(b[37:]),
		}
		descOff += descriptorSize
	}

	compressedPayload := full[descOff : descOff+int(compressedSize)]
	uncompressed, err := decompress(algo, compressedPayload, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("dfjournal: decompress extent at offset %d: %w", off, err)
	}

	return &Extent{
		CompressionAlgo:  algo,
		Descriptors:      descriptors,
		UncompressedData: uncompressed,
		Size:             int64(extentSize),
	}, nil
}
