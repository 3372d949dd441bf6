package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/util"
)

// Bus kinds.
const (
	BusLibp2p = "libp2p"
	BusRelay  = "relay"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Bus      Bus      `json:"bus"`
	ICE      ICE      `json:"ice"`
	Voice    Voice    `json:"voice"`
	Storage  Storage  `json:"storage"`
	Metrics  Metrics  `json:"metrics"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Participant id on the relay bus. Empty means a fresh uuid per run.
	// On the libp2p bus the peer id is used instead.
	ParticipantID string `json:"participant_id"`
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	MDNS       bool     `json:"mdns"`
	Bootstrap  []string `json:"bootstrap"` // /.../p2p/<id> multiaddrs

	// Optional static circuit relay, as a /.../p2p/<id> multiaddr.
	RelayAddr       string `json:"relay_addr"`
	RelayRefreshSec int    `json:"relay_refresh_seconds"`
}

type Bus struct {
	// "libp2p" or "relay".
	Kind string `json:"kind"`

	// WebSocket URL of a voicemesh relay hub, used when Kind is "relay".
	// Example: ws://relay.example.org:8790/ws
	RelayURL string `json:"relay_url"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// ICE agent timeouts (seconds). 0 = use default.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_seconds"`
}

type Voice struct {
	// Capture the default microphone. When false the participant sends
	// Opus silence.
	Microphone bool `json:"microphone"`
	// Send silence instead of failing the join when the microphone is
	// denied or missing.
	SilenceFallback bool `json:"silence_fallback"`

	CandidateBuffer   int    `json:"candidate_buffer"`
	UnknownSlots      int    `json:"unknown_candidate_slots"` // buffered senders with no connection
	RestartTimeoutSec int    `json:"restart_timeout_seconds"`
	DuplicateOffer    string `json:"duplicate_offer"` // "replace" or "ignore-connected"
	DedupWindow       int    `json:"dedup_window"`
	EventBuffer       int    `json:"event_buffer"`

	// Receiver-reported loss fraction (0..1) above which a warning is logged.
	// 0 disables loss reporting.
	LossThreshold float64 `json:"loss_threshold"`
}

type Storage struct {
	Journal       bool `json:"journal"`
	RetentionDays int  `json:"retention_days"` // 0 keeps everything
}

type Metrics struct {
	// Listen address for /metrics. Empty disables the endpoint.
	Addr    string `json:"addr"`
	Runtime bool   `json:"runtime"` // include Go and process collectors
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort:      0,
			MDNS:            true,
			RelayRefreshSec: 300,
		},
		Bus: Bus{
			Kind: BusLibp2p,
		},
		ICE: ICE{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Voice: Voice{
			Microphone:        true,
			CandidateBuffer:   64,
			UnknownSlots:      32,
			RestartTimeoutSec: 15,
			DuplicateOffer:    "replace",
			DedupWindow:       1024,
			EventBuffer:       64,
			LossThreshold:     0.1,
		},
		Storage: Storage{
			Journal:       true,
			RetentionDays: 30,
		},
		Metrics: Metrics{
			Addr: "127.0.0.1:9464",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.ContainsAny(c.Identity.ParticipantID, "/ ") {
		return errors.New("identity.participant_id must not contain spaces or slashes")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	for _, b := range c.P2P.Bootstrap {
		if !strings.Contains(b, "/p2p/") {
			return fmt.Errorf("p2p.bootstrap %q must end in /p2p/<peer id>", b)
		}
	}
	if r := strings.TrimSpace(c.P2P.RelayAddr); r != "" && !strings.Contains(r, "/p2p/") {
		return errors.New("p2p.relay_addr must end in /p2p/<peer id>")
	}
	if c.P2P.RelayRefreshSec < 0 {
		return errors.New("p2p.relay_refresh_seconds must be >= 0")
	}

	// Bus
	switch c.Bus.Kind {
	case BusLibp2p:
	case BusRelay:
		if err := validateRelayURL(strings.TrimSpace(c.Bus.RelayURL)); err != nil {
			return fmt.Errorf("bus.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("bus.kind must be %q or %q", BusLibp2p, BusRelay)
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q must be a stun:, turn: or turns: url", i, u)
			}
		}
	}
	if c.ICE.DisconnectedTimeoutSec < 0 || c.ICE.FailedTimeoutSec < 0 || c.ICE.KeepAliveIntervalSec < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Voice
	if c.Voice.CandidateBuffer <= 0 {
		return errors.New("voice.candidate_buffer must be > 0")
	}
	if c.Voice.UnknownSlots <= 0 {
		return errors.New("voice.unknown_candidate_slots must be > 0")
	}
	if c.Voice.RestartTimeoutSec <= 0 {
		return errors.New("voice.restart_timeout_seconds must be > 0")
	}
	if c.Voice.DuplicateOffer != "replace" && c.Voice.DuplicateOffer != "ignore-connected" {
		return errors.New(`voice.duplicate_offer must be "replace" or "ignore-connected"`)
	}
	if c.Voice.DedupWindow <= 0 {
		return errors.New("voice.dedup_window must be > 0")
	}
	if c.Voice.EventBuffer <= 0 {
		return errors.New("voice.event_buffer must be > 0")
	}
	if c.Voice.LossThreshold < 0 || c.Voice.LossThreshold > 1 {
		return errors.New("voice.loss_threshold must be 0..1")
	}

	// Storage
	if c.Storage.RetentionDays < 0 {
		return errors.New("storage.retention_days must be >= 0")
	}

	return nil
}

func validateRelayURL(raw string) error {
	if raw == "" {
		return errors.New("required when bus.kind is relay")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// WebRTCServers converts the configured ICE servers for pion.
func (i ICE) WebRTCServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(i.Servers))
	for _, s := range i.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// RestartTimeout is restart_timeout_seconds as a duration.
func (v Voice) RestartTimeout() time.Duration {
	return durOrDefault(v.RestartTimeoutSec, 15*time.Second)
}

// durOrDefault converts seconds to a duration, falling back to def when sec <= 0.
func durOrDefault(sec int, def time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return def
}

// Seconds converts a seconds field to a duration; 0 stays 0.
func Seconds(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like bus.kind) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
