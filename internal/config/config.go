// Package config defines the protocol's tunable parameters and an optional
// YAML network profile that overrides the defaults at process start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol constants.
const (
	ProtocolVersion = 1

	MaxChunkSize = 1024 // default payload bytes per DATA_CHUNK
	WindowSize   = 64   // default chunks per window; MUST be <= 64

	NackTimeoutMS      = 50               // upper bound of the random NACK backoff
	StatusReqInterval  = 500 * time.Millisecond
	MaxRetransRounds   = 10
	AnnounceRepeatCount = 5
	MaxResendBitmapAsk  = 5

	AnnounceSpacing = 10 * time.Millisecond
	AnnouncePause   = 1 * time.Second
	ChunkPacing     = 1 * time.Millisecond
	EndSpacing      = 50 * time.Millisecond
	EndDrain        = 5 * time.Second

	NoNackRoundsToComplete = 3

	// UAVLivenessTimeout answers an open design question: a UAV that
	// hasn't NACKed anything in this long is
	// excluded from the "all known UAVs responded" check for new rounds.
	// Deliberately short relative to MAX_RETRANS_ROUNDS*STATUS_REQ_INTERVAL:
	// a UAV with nothing left to report goes quiet the round after its last
	// NACK, and this timeout lets that round still count toward
	// no_nack_rounds instead of forcing every clean window after the first
	// loss to complete only by round-exhaustion.
	UAVLivenessTimeout = 2 * time.Second

	// Socket buffers sized for burst headroom when many concurrent
	// receivers share one multicast socket.
	DefaultReadBuffer  = 4 << 20
	DefaultWriteBuffer = 4 << 20

	DefaultGroup = "239.255.1.1"
	DefaultPort  = 9000
	DefaultTTL   = 32

	MaxUAVID = 31 // known_uavs_bitmap is 32 bits wide
)

// NetworkProfile is the set of tunables an operator can override without
// recompiling, loaded from an optional YAML file. The timing fields below
// default to this package's constants but are broken out so tests (and
// operators tuning for a slow or lossy link) can scale them independently
// of a recompile.
type NetworkProfile struct {
	Group             string        `yaml:"group"`
	Port              int           `yaml:"port"`
	TTL               int           `yaml:"ttl"`
	ChunkSize         int           `yaml:"chunk_size"`
	WindowSize        int           `yaml:"window_size"`
	NackTimeoutMS     int           `yaml:"nack_timeout_ms"`
	StatusReqInterval time.Duration `yaml:"status_req_interval"`
	MaxRetransRounds  int           `yaml:"max_retrans_rounds"`

	AnnounceRepeatCount    int           `yaml:"announce_repeat_count"`
	AnnounceSpacing        time.Duration `yaml:"announce_spacing"`
	AnnouncePause          time.Duration `yaml:"announce_pause"`
	ChunkPacing            time.Duration `yaml:"chunk_pacing"`
	MaxResendBitmapAsk     int           `yaml:"max_resend_bitmap_ask"`
	NoNackRoundsToComplete int           `yaml:"no_nack_rounds_to_complete"`
	EndSpacing             time.Duration `yaml:"end_spacing"`
	EndDrain               time.Duration `yaml:"end_drain"`
	UAVLivenessTimeout     time.Duration `yaml:"uav_liveness_timeout"`
}

// DefaultProfile returns the protocol's default tunables.
func DefaultProfile() *NetworkProfile {
	return &NetworkProfile{
		Group:             DefaultGroup,
		Port:              DefaultPort,
		TTL:               DefaultTTL,
		ChunkSize:         MaxChunkSize,
		WindowSize:        WindowSize,
		NackTimeoutMS:     NackTimeoutMS,
		StatusReqInterval: StatusReqInterval,
		MaxRetransRounds:  MaxRetransRounds,

		AnnounceRepeatCount:    AnnounceRepeatCount,
		AnnounceSpacing:        AnnounceSpacing,
		AnnouncePause:          AnnouncePause,
		ChunkPacing:            ChunkPacing,
		MaxResendBitmapAsk:     MaxResendBitmapAsk,
		NoNackRoundsToComplete: NoNackRoundsToComplete,
		EndSpacing:             EndSpacing,
		EndDrain:               EndDrain,
		UAVLivenessTimeout:     UAVLivenessTimeout,
	}
}

// LoadProfile reads a YAML network profile from path. A missing or
// unparseable file falls back to DefaultProfile, same policy as the
// package's original Load*Settings functions.
func LoadProfile(path string) *NetworkProfile {
	prof := DefaultProfile()
	if path == "" {
		return prof
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return prof
	}
	var loaded NetworkProfile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return prof
	}
	if loaded.Group != "" {
		prof.Group = loaded.Group
	}
	if loaded.Port != 0 {
		prof.Port = loaded.Port
	}
	if loaded.TTL != 0 {
		prof.TTL = loaded.TTL
	}
	if loaded.ChunkSize != 0 {
		prof.ChunkSize = loaded.ChunkSize
	}
	if loaded.WindowSize != 0 {
		prof.WindowSize = loaded.WindowSize
	}
	if loaded.NackTimeoutMS != 0 {
		prof.NackTimeoutMS = loaded.NackTimeoutMS
	}
	if loaded.StatusReqInterval != 0 {
		prof.StatusReqInterval = loaded.StatusReqInterval
	}
	if loaded.MaxRetransRounds != 0 {
		prof.MaxRetransRounds = loaded.MaxRetransRounds
	}
	if loaded.AnnounceRepeatCount != 0 {
		prof.AnnounceRepeatCount = loaded.AnnounceRepeatCount
	}
	if loaded.AnnounceSpacing != 0 {
		prof.AnnounceSpacing = loaded.AnnounceSpacing
	}
	if loaded.AnnouncePause != 0 {
		prof.AnnouncePause = loaded.AnnouncePause
	}
	if loaded.ChunkPacing != 0 {
		prof.ChunkPacing = loaded.ChunkPacing
	}
	if loaded.MaxResendBitmapAsk != 0 {
		prof.MaxResendBitmapAsk = loaded.MaxResendBitmapAsk
	}
	if loaded.NoNackRoundsToComplete != 0 {
		prof.NoNackRoundsToComplete = loaded.NoNackRoundsToComplete
	}
	if loaded.EndSpacing != 0 {
		prof.EndSpacing = loaded.EndSpacing
	}
	if loaded.EndDrain != 0 {
		prof.EndDrain = loaded.EndDrain
	}
	if loaded.UAVLivenessTimeout != 0 {
		prof.UAVLivenessTimeout = loaded.UAVLivenessTimeout
	}
	return prof
}

// Validate rejects profiles that would break the protocol's invariants
// (window_size must fit in a 64-bit bitmap).
func (p *NetworkProfile) Validate() error {
	if p.WindowSize <= 0 || p.WindowSize > 64 {
		return fmt.Errorf("window_size must be in (0,64], got %d", p.WindowSize)
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", p.ChunkSize)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be in [1,65535], got %d", p.Port)
	}
	return nil
}

// Addr formats the multicast group/port as a dial/listen target.
func (p *NetworkProfile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Group, p.Port)
}
