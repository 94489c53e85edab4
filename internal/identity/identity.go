// Package identity derives a stable pseudo-anonymous user ID from local
// device characteristics.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceInfo is the set of environment signals hashed into an identity.
type DeviceInfo struct {
	UserAgent        string `json:"userAgent"`
	Language         string `json:"language"`
	Platform         string `json:"platform"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	HasTouchScreen   bool   `json:"hasTouchScreen"`
	Hostname         string `json:"hostname"`
	MachineID        string `json:"machineId,omitempty"`
	NumCPU           int    `json:"numCpu"`
}

// Collector gathers the device signals. The second return value is the
// render fingerprint appended to the serialized DeviceInfo.
type Collector func() (DeviceInfo, string, error)

var errNoSignals = errors.New("identity: no device signals available")

// Provider hands out the identity for this process. The result is computed
// once and then cached.
type Provider struct {
	collect Collector
	log     *slog.Logger

	once sync.Once
	id   string
}

func NewProvider(collect Collector, log *slog.Logger) *Provider {
	if collect == nil {
		collect = CollectLocal
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{collect: collect, log: log}
}

// Identify returns the device identity. It never fails: when the signals
// cannot be collected or hashed a random UUID is used for the session.
func (p *Provider) Identify() string {
	p.once.Do(func() {
		id, err := Derive(p.collect)
		if err != nil {
			id = uuid.NewString()
			p.log.Warn("device fingerprint unavailable, using random identity", "err", err, "identity", id)
		}
		p.id = id
	})
	return p.id
}

// Derive hashes the collected signals into an identity string.
func Derive(collect Collector) (string, error) {
	info, render, err := collect()
	if err != nil {
		return "", fmt.Errorf("collect device signals: %w", err)
	}
	if info == (DeviceInfo{}) && render == "" {
		return "", errNoSignals
	}
	detail, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encode device signals: %w", err)
	}
	sum := sha256.Sum256(append(detail, render...))
	return encode(sum[:]), nil
}

// encode renders a digest with '+' and '/' swapped for '_' and '-' and the
// padding removed.
func encode(digest []byte) string {
	s := base64.StdEncoding.EncodeToString(digest)
	s = strings.NewReplacer("+", "_", "/", "-").Replace(s)
	return strings.TrimRight(s, "=")
}

// CollectLocal reads signals from the host the process runs on.
func CollectLocal() (DeviceInfo, string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return DeviceInfo{}, "", fmt.Errorf("hostname: %w", err)
	}
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = os.Getenv("LC_ALL")
	}
	info := DeviceInfo{
		UserAgent: fmt.Sprintf("rtm-calling (%s; %s) %s", runtime.GOOS, runtime.GOARCH, runtime.Version()),
		Language:  lang,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Timezone:  zoneName(),
		Hostname:  hostname,
		MachineID: readMachineID(),
		NumCPU:    runtime.NumCPU(),
	}
	return info, renderFingerprint(info), nil
}

// zoneName returns the IANA name of the local zone. Abbreviations like
// CET/CEST flip with daylight saving and would move the identity.
func zoneName() string {
	if tz := strings.TrimPrefix(os.Getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if name := zoneFromPath(target); name != "" {
			return name
		}
	}
	return time.Local.String()
}

func zoneFromPath(path string) string {
	_, name, ok := strings.Cut(path, "zoneinfo/")
	if !ok {
		return ""
	}
	return name
}

func readMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return ""
}

// renderFingerprint stands in for the browser canvas probe: a fixed drawing
// recipe whose output depends on the platform that renders it.
func renderFingerprint(info DeviceInfo) string {
	const recipe = "alphabetic|14px 'Arel'|#f60 125,1,62,20|#069 Agora 2,15|rgba(102,204,0,0.7) Agora 4,17"
	return "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(recipe+"|"+info.Platform))
}
