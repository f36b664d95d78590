// Package config loads and validates guardcall.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/util"
)

// FileName is the config file looked up in the working directory.
const FileName = "guardcall.json"

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Agent    Agent    `json:"agent"`
	Hub      Hub      `json:"hub"`
	Log      Log      `json:"log"`
}

// Identity is the user this agent places and receives calls for.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

const (
	BackendSQLite = "sqlite"
	BackendHub    = "hub"
)

// Signal selects where call sessions are stored. "sqlite" shares a database
// file between processes on one machine; "hub" talks to a guardcall hub.
type Signal struct {
	Backend string `json:"backend"`
	DBPath  string `json:"db_path"`
	HubURL  string `json:"hub_url"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	RingTimeoutSec int         `json:"ring_timeout_seconds"`
	StaleAfterSec  int         `json:"stale_after_seconds"`
	MaxCallAgeMin  int         `json:"max_call_age_minutes"`
	DeleteGraceMs  int         `json:"delete_grace_ms"`
	ICEServers     []ICEServer `json:"ice_servers"`
}

func (c Call) RingTimeout() time.Duration { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) StaleAfter() time.Duration  { return time.Duration(c.StaleAfterSec) * time.Second }
func (c Call) MaxCallAge() time.Duration  { return time.Duration(c.MaxCallAgeMin) * time.Minute }
func (c Call) DeleteGrace() time.Duration { return time.Duration(c.DeleteGraceMs) * time.Millisecond }

type Media struct {
	MaxWidth           int `json:"max_width"`
	MaxHeight          int `json:"max_height"`
	VideoBitrate       int `json:"video_bitrate"`
	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepaliveSec    int `json:"ice_keepalive_seconds"`
}

type Agent struct {
	HTTPAddr string `json:"http_addr"`
	// DataDB holds timeline entries, notifications and emergency state.
	DataDB string `json:"data_db"`
}

type Hub struct {
	HTTPAddr string `json:"http_addr"`
	DBPath   string `json:"db_path"`
}

type Log struct {
	Level       string            `json:"level"`
	Format      string            `json:"format"`
	Subsystems  map[string]string `json:"subsystems,omitempty"`
	BufferLines int               `json:"buffer_lines"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Role: "guardian",
		},
		Signal: Signal{
			Backend: BackendSQLite,
			DBPath:  "data/signal.db",
			HubURL:  "ws://127.0.0.1:8790/ws",
		},
		Call: Call{
			RingTimeoutSec: 30,
			StaleAfterSec:  120,
			MaxCallAgeMin:  240,
			DeleteGraceMs:  5000,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Media: Media{
			MaxWidth:           640,
			MaxHeight:          480,
			VideoBitrate:       1_500_000,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepaliveSec:    2,
		},
		Agent: Agent{
			HTTPAddr: "127.0.0.1:8780",
			DataDB:   "data/guardcall.db",
		},
		Hub: Hub{
			HTTPAddr: "0.0.0.0:8790",
			DBPath:   "data/hub.db",
		},
		Log: Log{
			Level:       "info",
			Format:      "color",
			BufferLines: 1000,
		},
	}
}

// Validate checks everything both commands need. The agent additionally
// calls ValidateAgent.
func (c *Config) Validate() error {
	// Signal
	switch c.Signal.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Signal.DBPath) == "" {
			return errors.New("signal.db_path is required for the sqlite backend")
		}
	case BackendHub:
		if err := validateHubURL(c.Signal.HubURL); err != nil {
			return fmt.Errorf("signal.hub_url: %w", err)
		}
	default:
		return fmt.Errorf("signal.backend must be %q or %q", BackendSQLite, BackendHub)
	}

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	if c.Call.StaleAfterSec <= c.Call.RingTimeoutSec {
		return errors.New("call.stale_after_seconds must be > call.ring_timeout_seconds")
	}
	if c.Call.MaxCallAgeMin <= 0 {
		return errors.New("call.max_call_age_minutes must be > 0")
	}
	if c.Call.DeleteGraceMs < 0 {
		return errors.New("call.delete_grace_ms must be >= 0")
	}
	for i, s := range c.Call.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("call.ice_servers[%d]: %w", i, err)
		}
	}

	// Media
	if c.Media.MaxWidth < 160 || c.Media.MaxHeight < 120 {
		return errors.New("media.max_width/max_height must be at least 160x120")
	}
	if c.Media.VideoBitrate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.ICEKeepaliveSec <= 0 || c.Media.ICEDisconnectedSec <= c.Media.ICEKeepaliveSec {
		return errors.New("media.ice_disconnected_seconds must be > media.ice_keepalive_seconds > 0")
	}
	if c.Media.ICEFailedSec < c.Media.ICEDisconnectedSec {
		return errors.New("media.ice_failed_seconds must be >= media.ice_disconnected_seconds")
	}

	// Addresses
	if err := validateAddr(c.Agent.HTTPAddr); err != nil {
		return fmt.Errorf("agent.http_addr: %w", err)
	}
	if err := validateAddr(c.Hub.HTTPAddr); err != nil {
		return fmt.Errorf("hub.http_addr: %w", err)
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for sys, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", sys, err)
		}
	}
	switch c.Log.Format {
	case "color", "plaintext", "json":
	default:
		return errors.New("log.format must be color, plaintext or json")
	}

	return nil
}

// ValidateAgent checks the settings only the call agent uses.
func (c *Config) ValidateAgent() error {
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if strings.TrimSpace(c.Agent.DataDB) == "" {
		return errors.New("agent.data_db is required")
	}
	return nil
}

func validateHubURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func validateICEServer(s ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("urls is empty")
	}
	turn := false
	for _, raw := range s.URLs {
		scheme, _, ok := strings.Cut(raw, ":")
		if !ok {
			return fmt.Errorf("%q has no scheme", raw)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return fmt.Errorf("%q: scheme must be stun, stuns, turn or turns", raw)
		}
	}
	if turn && (s.Username == "" || s.Credential == "") {
		return errors.New("turn servers need username and credential")
	}
	return nil
}

func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return errors.New("host must be an IP address or localhost")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be 1..65535")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file over the defaults without validating it.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

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
