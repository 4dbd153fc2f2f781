package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/sendanywhere/common/manifest"
)

// MaxFramePiece is the largest data payload carried by one peer frame
const MaxFramePiece = 16 << 10

// FrameType tags a peer data-channel message
type FrameType byte

const (
	FrameManifest FrameType = iota + 1
	FrameEntryStart
	FrameData
	FrameChunkEnd
	FrameEntryEnd
	FrameComplete
)

func (t FrameType) String() string {
	switch t {
	case FrameManifest:
		return "manifest"
	case FrameEntryStart:
		return "entry_start"
	case FrameData:
		return "data"
	case FrameChunkEnd:
		return "chunk_end"
	case FrameEntryEnd:
		return "entry_end"
	case FrameComplete:
		return "complete"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

// Frame is one decoded peer message. Only the fields of its Type are set.
type Frame struct {
	Type     FrameType
	Manifest *manifest.Manifest
	Entry    int
	Chunk    ChunkEnd
	Data     []byte
}

// ChunkEnd closes a chunk that was streamed as data frames
type ChunkEnd struct {
	Index int    `json:"index"`
	Size  int    `json:"size"`
	Hash  string `json:"hash"`
}

type entryMarker struct {
	Entry int `json:"entry"`
}

// EncodeFrame serializes f as a type byte followed by its body. Data frames
// carry raw bytes; every other frame carries JSON.
func EncodeFrame(f Frame) ([]byte, error) {
	var body any
	switch f.Type {
	case FrameData:
		if len(f.Data) > MaxFramePiece {
			return nil, fmt.Errorf("data frame of %d bytes exceeds %d", len(f.Data), MaxFramePiece)
		}
		out := make([]byte, 1+len(f.Data))
		out[0] = byte(FrameData)
		copy(out[1:], f.Data)
		return out, nil
	case FrameManifest:
		if f.Manifest == nil {
			return nil, fmt.Errorf("manifest frame without manifest")
		}
		body = f.Manifest
	case FrameEntryStart, FrameEntryEnd:
		body = entryMarker{Entry: f.Entry}
	case FrameChunkEnd:
		body = f.Chunk
	case FrameComplete:
		return []byte{byte(FrameComplete)}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %d", byte(f.Type))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return append([]byte{byte(f.Type)}, data...), nil
}

// DecodeFrame parses a message produced by EncodeFrame
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	f := Frame{Type: FrameType(b[0])}
	body := b[1:]

	switch f.Type {
	case FrameData:
		f.Data = body
		return f, nil
	case FrameComplete:
		return f, nil
	case FrameManifest:
		var m manifest.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return Frame{}, fmt.Errorf("invalid manifest frame: %w", err)
		}
		f.Manifest = &m
	case FrameEntryStart, FrameEntryEnd:
		var em entryMarker
		if err := json.Unmarshal(body, &em); err != nil {
			return Frame{}, fmt.Errorf("invalid %s frame: %w", f.Type, err)
		}
		f.Entry = em.Entry
	case FrameChunkEnd:
		if err := json.Unmarshal(body, &f.Chunk); err != nil {
			return Frame{}, fmt.Errorf("invalid chunk_end frame: %w", err)
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %d", b[0])
	}
	return f, nil
}

// sendFrame encodes f and writes it to ch
func sendFrame(ctx context.Context, ch PeerChannel, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return ch.Send(ctx, data)
}

// recvFrame reads and decodes the next frame from ch
func recvFrame(ctx context.Context, ch PeerChannel) (Frame, error) {
	data, err := ch.Recv(ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}
