package capability

import (
	"os/exec"
	"strings"
	"sync"

	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/mattn/go-shellwords"
)

// Mode is the recognition backend chosen for a session.
type Mode string

const (
	ModeNative   Mode = "native"
	ModeFallback Mode = "fallback"
)

// Probe is the result of inspecting the host. Mode and NativeAvailable are
// fixed for the process; WorkerAvailable is current as of the call.
type Probe struct {
	Mode            Mode
	NativeAvailable bool
	WorkerAvailable bool
	Reason          string
}

// Prober decides once per process which backend dictation uses, and checks
// worker reachability on every call.
type Prober struct {
	cfg             config.RecognitionConfig
	workerAvailable func() bool
	lookPath        func(string) (string, error)

	once   sync.Once
	result Probe
}

// NewProber builds a prober. workerAvailable reports whether a transcription
// worker can be reached; nil means none.
func NewProber(cfg config.RecognitionConfig, workerAvailable func() bool) *Prober {
	return &Prober{cfg: cfg, workerAvailable: workerAvailable, lookPath: exec.LookPath}
}

// Probe returns the selected mode. The native engine is inspected on the
// first call only; worker availability is asked each time since a remote
// worker may join or leave while the process runs.
func (p *Prober) Probe() Probe {
	p.once.Do(func() {
		p.result = p.probeNative()
	})
	res := p.result
	if p.workerAvailable != nil {
		res.WorkerAvailable = p.workerAvailable()
	}
	return res
}

func (p *Prober) probeNative() Probe {
	res := Probe{}

	nativeReason := ""
	switch {
	case strings.TrimSpace(p.cfg.NativeCommand) == "":
		nativeReason = "no native engine configured"
	case p.denied():
		nativeReason = "native engine disabled for " + p.describeHost()
	default:
		if err := p.nativeOnPath(); err != nil {
			nativeReason = "native engine unavailable: " + err.Error()
		} else {
			res.NativeAvailable = true
		}
	}

	switch p.cfg.Mode {
	case string(ModeNative):
		res.Mode = ModeNative
		res.Reason = "forced by configuration"
	case string(ModeFallback):
		res.Mode = ModeFallback
		res.Reason = "forced by configuration"
	default:
		if res.NativeAvailable {
			res.Mode = ModeNative
			res.Reason = "native engine available"
		} else {
			res.Mode = ModeFallback
			res.Reason = nativeReason
		}
	}
	return res
}

func (p *Prober) nativeOnPath() error {
	args, err := shellwords.Parse(p.cfg.NativeCommand)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return exec.ErrNotFound
	}
	_, err = p.lookPath(args[0])
	return err
}

func (p *Prober) denied() bool {
	for _, entry := range p.cfg.DenyList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == strings.ToLower(p.cfg.DeviceClass) || entry == strings.ToLower(p.cfg.Platform) {
			return true
		}
	}
	return false
}

func (p *Prober) describeHost() string {
	if p.cfg.Platform == "" {
		return p.cfg.DeviceClass
	}
	return p.cfg.DeviceClass + "/" + p.cfg.Platform
}
