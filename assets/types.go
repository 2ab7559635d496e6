package assets

import "time"

// Manifest describes a registered asset. Only Metadata may change after
// registration; the chunk size is fixed so resume offsets stay valid.
type Manifest struct {
	AssetID      string         `json:"assetId"`
	AssetType    string         `json:"assetType"`
	FileName     string         `json:"fileName"`
	FileSize     int64          `json:"fileSize"`
	Checksum     string         `json:"checksum"`
	ChunkSize    int            `json:"chunkSize"`
	TotalChunks  int            `json:"totalChunks"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

func (m Manifest) clone() Manifest {
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// Request asks for an asset, optionally resuming at a byte offset.
type Request struct {
	AssetID    string
	ResumeFrom int64
	Priority   int
}

// Transfer is the progress of one asset towards one session.
type Transfer struct {
	AssetID          string    `json:"assetId"`
	SessionID        string    `json:"sessionId"`
	CurrentChunk     int       `json:"currentChunk"`
	TotalChunks      int       `json:"totalChunks"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"totalBytes"`
	Priority         int       `json:"priority"`
	StartedAt        time.Time `json:"startedAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Chunk is one slice of an asset. Checksum covers Data only.
type Chunk struct {
	AssetID          string
	Index            int
	TotalChunks      int
	Offset           int64
	Data             []byte
	Checksum         string
	BytesTransferred int64
	TotalBytes       int64
	Last             bool
}

// Listener observes the end of transfers.
type Listener interface {
	TransferCompleted(t Transfer)
	TransferFailed(t Transfer, reason string)
}

// Failure reasons reported to Listener.TransferFailed.
const (
	ReasonTimeout  = "transfer timed out"
	ReasonRemoved  = "asset removed"
	ReasonReplaced = "asset replaced"
)
