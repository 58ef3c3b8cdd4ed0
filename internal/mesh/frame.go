package mesh

import "encoding/json"

// FrameType enumerates the post-handshake application frame types
// (spec.md §4.6/§4.8).
type FrameType string

const (
	FrameHello       FrameType = "hello"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameUserString  FrameType = "user_string"
	FrameUserBinary  FrameType = "user_binary"
	FrameFileOffer   FrameType = "file_offer"
	FrameFileAccept  FrameType = "file_accept"
	FrameFileReject  FrameType = "file_reject"
	FrameFileChunk   FrameType = "file_chunk"
	FrameFileAck     FrameType = "file_ack"
	FrameFileDone    FrameType = "file_done"
	FrameFileOk      FrameType = "file_ok"
	FrameFileBad     FrameType = "file_bad"
	FrameDirManifest FrameType = "dir_manifest"
)

// IsFileFrame reports whether a frame type belongs to the file-transfer
// core (C8) rather than the mesh engine's own dispatch table.
func (t FrameType) IsFileFrame() bool {
	switch t {
	case FrameFileOffer, FrameFileAccept, FrameFileReject, FrameFileChunk,
		FrameFileAck, FrameFileDone, FrameFileOk, FrameFileBad, FrameDirManifest:
		return true
	}
	return false
}

// Frame is the JSON envelope every post-handshake message is wrapped in
// (spec.md §4.6: "a JSON object ... with fields {type, id, payload}").
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is the payload of the mandatory first post-handshake
// frame: the sender's declared PeerHash (cross-checked against the
// handshake-derived hash) and a protocol version.
type HelloPayload struct {
	PeerHash string `json:"peer_hash"`
	Version  string `json:"version"`
}

// UserStringPayload carries a send_string application message.
type UserStringPayload struct {
	Text string `json:"text"`
}

// BinaryHeaderPayload precedes a raw frame for user_binary and
// file_chunk messages: the JSON header carries the length, the bytes
// themselves follow as a second, unwrapped Noise frame so a 64 KiB
// chunk never has to pay base64 JSON-embedding overhead against the
// 65519-byte plaintext ceiling (spec.md §4.4/§4.8).
type BinaryHeaderPayload struct {
	Length int `json:"length"`
}

// FileOfferPayload announces a pending transfer (spec.md §4.8). FileHash
// is the hex-encoded SHA-256 of the whole file, computed up front so the
// receiver can decide whether to accept before any bytes move and verify
// it again against FrameFileDone.
type FileOfferPayload struct {
	TransferID    string `json:"transfer_id"`
	Filename      string `json:"filename"`
	TotalBytes    int64  `json:"total_bytes"`
	ChunkSize     int    `json:"chunk_size"`
	FileHash      string `json:"file_hash"`
	DirTransferID string `json:"dir_transfer_id,omitempty"`
}

// FileAcceptPayload and FileRejectPayload answer a FileOfferPayload.
type FileAcceptPayload struct {
	TransferID string `json:"transfer_id"`
}

type FileRejectPayload struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// FileChunkPayload is the header preceding a file_chunk's raw body, the
// file-transfer analogue of BinaryHeaderPayload.
type FileChunkPayload struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Length     int    `json:"length"`
}

// FileAckPayload is sent every N=16 chunks so the sender can advance its
// flow-control window and a resumed transfer knows where to restart.
type FileAckPayload struct {
	TransferID        string `json:"transfer_id"`
	NextExpectedIndex int    `json:"next_expected_index"`
}

// FileDonePayload closes the chunk stream; FileOkPayload/FileBadPayload
// answer it once the receiver has verified FileHash.
type FileDonePayload struct {
	TransferID string `json:"transfer_id"`
	FileHash   string `json:"file_hash"`
}

type FileOkPayload struct {
	TransferID string `json:"transfer_id"`
}

type FileBadPayload struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// DirManifestPayload leads a directory transfer: every entry below
// shares TransferID as its own transfer's DirTransferID. RootName is the
// directory's own base name, so the receiver reconstructs each child's
// destination as fileDir/RootName/entry.Path.
type DirManifestPayload struct {
	TransferID string             `json:"transfer_id"`
	RootName   string             `json:"root_name"`
	Entries    []DirManifestEntry `json:"entries"`
}

type DirManifestEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

func marshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// every payload type here is a plain struct of strings/ints; a
		// marshal failure would be a programmer error, not a runtime one.
		panic(err)
	}
	return b
}
