package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// DownloadStartedMsg is sent once the driver has built the item and its peers
type DownloadStartedMsg struct {
	DownloadID string
	Filename   string
	Total      int64
	BlockSize  int64
	Peers      int
}

// SegmentAssignedMsg is sent when a connection receives work
type SegmentAssignedMsg struct {
	DownloadID string
	Peer       types.PeerID
	Segment    types.Segment
	Partial    bool // Picked from the peer's parts bitmap
	Overlapped bool // Races a slower running download
}

// SegmentCompleteMsg is sent when a connection delivered its whole segment,
// or the prefix of it given in Segment after being cut short.
type SegmentCompleteMsg struct {
	DownloadID string
	Peer       types.PeerID
	Segment    types.Segment
	Elapsed    time.Duration
}

// SegmentFailedMsg is sent when a transfer ended without adding anything
type SegmentFailedMsg struct {
	DownloadID string
	Peer       types.PeerID
	Segment    types.Segment
	Err        error
}

// PeerIdleMsg is sent when a connection got no work (busy, nothing left)
type PeerIdleMsg struct {
	DownloadID string
	Peer       types.PeerID
	Reason     string
}

// PeerDisconnectedMsg is sent when the engine asked a connection to stop
type PeerDisconnectedMsg struct {
	DownloadID string
	Peer       types.PeerID
}

// SourceRemovedMsg is sent when a peer becomes a bad source
type SourceRemovedMsg struct {
	DownloadID string
	Peer       types.PeerID
	Reason     types.SourceFlags
}

// PartsQueriedMsg is sent when a partial peer answered a parts query
type PartsQueriedMsg struct {
	DownloadID string
	Peer       types.PeerID
	Parts      types.PartsInfo
	Needed     bool
}

// ProgressMsg represents a periodic progress update from the driver
type ProgressMsg struct {
	DownloadID        string
	Downloaded        int64
	Total             int64
	Speed             float64 // bytes per second
	Elapsed           time.Duration
	ActiveConnections int
	Priority          types.Priority
}

// DownloadCompleteMsg signals that every byte of the file is done
type DownloadCompleteMsg struct {
	DownloadID string
	Filename   string
	Elapsed    time.Duration
	Total      int64
}

// DownloadErrorMsg signals that the driver stopped with an error
type DownloadErrorMsg struct {
	DownloadID string
	Filename   string
	Err        error
}

func (m DownloadErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		DownloadID string `json:"DownloadID"`
		Filename   string `json:"Filename,omitempty"`
		Err        string `json:"Err,omitempty"`
	}
	return json.Marshal(encoded{
		DownloadID: m.DownloadID,
		Filename:   m.Filename,
		Err:        errString(m.Err),
	})
}

func (m *DownloadErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		DownloadID string          `json:"DownloadID"`
		Filename   string          `json:"Filename"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.DownloadID = aux.DownloadID
	m.Filename = aux.Filename
	m.Err = decodeErr(aux.Err)
	return nil
}

func (m SegmentFailedMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		DownloadID string        `json:"DownloadID"`
		Peer       types.PeerID  `json:"Peer"`
		Segment    types.Segment `json:"Segment"`
		Err        string        `json:"Err,omitempty"`
	}
	return json.Marshal(encoded{
		DownloadID: m.DownloadID,
		Peer:       m.Peer,
		Segment:    m.Segment,
		Err:        errString(m.Err),
	})
}

func (m *SegmentFailedMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		DownloadID string          `json:"DownloadID"`
		Peer       types.PeerID    `json:"Peer"`
		Segment    types.Segment   `json:"Segment"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.DownloadID = aux.DownloadID
	m.Peer = aux.Peer
	m.Segment = aux.Segment
	m.Err = decodeErr(aux.Err)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeErr(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	// Most common case: Err is a string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s != "" {
			return errors.New(s)
		}
		return nil
	}

	// Accept non-string payloads (e.g. {}).
	if str := string(raw); str != "" && str != "null" {
		return errors.New(str)
	}
	return nil
}
