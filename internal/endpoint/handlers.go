package endpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"code.wakelink.org/golang/pkg/packet"
	"code.wakelink.org/golang/pkg/replay"
)

// restartDelay leaves the reply enough time to reach the peer before the
// process goes down.
const restartDelay = time.Second

// SecretRotator persists a freshly generated shared secret and zeroes the
// replay counter in the same transaction.
type SecretRotator interface {
	RotateSecret(secret []byte) error
}

// BaselineConfig carries the dependencies of the built-in command handlers.
type BaselineConfig struct {
	EndpointID string
	Guard      *replay.Guard
	Rotator    SecretRotator

	// WOLAddr is the magic packet broadcast target, DefaultWOLAddr when
	// empty.
	WOLAddr string

	// SendWOL overrides magic packet sending, for tests.
	SendWOL func(addr string, mac string) error
}

// Baseline owns the built-in command handlers recovered from the firmware:
// ping, info, wake, counter management, token rotation, deferred restart and
// the maintenance window.
type Baseline struct {
	cfg         BaselineConfig
	started     time.Time
	sched       *Scheduler
	maintenance bool
}

// NewBaseline returns the Baseline handlers and the restart Scheduler the
// agent loop polls.
func NewBaseline(cfg BaselineConfig) (*Baseline, error) {
	if "" == cfg.EndpointID {
		return nil, newError("missing EndpointID")
	}
	if nil == cfg.Guard {
		return nil, newError("missing replay Guard")
	}
	if "" == cfg.WOLAddr {
		cfg.WOLAddr = DefaultWOLAddr
	}
	if nil == cfg.SendWOL {
		cfg.SendWOL = SendWOL
	}

	return &Baseline{cfg: cfg, started: time.Now(), sched: &Scheduler{}}, nil
}

// Scheduler returns the deferred restart scheduler.
func (self *Baseline) Scheduler() *Scheduler {
	return self.sched
}

// Table returns a CommandTable with every baseline handler registered.
func (self *Baseline) Table() (*CommandTable, error) {
	table := NewCommandTable()
	handlers := map[string]HandlerFunc{
		"ping":          self.Ping,
		"info":          self.Info,
		"wake":          self.Wake,
		"counter_info":  self.CounterInfo,
		"reset_counter": self.ResetCounter,
		"rotate_token":  self.RotateToken,
		"restart":       self.Restart,
		"maintenance":   self.Maintenance,
	}
	for name, fn := range handlers {
		err := table.Register(name, fn)
		if nil != err {
			return nil, err
		}
	}
	return table, nil
}

func (self *Baseline) Ping(_ context.Context, _ map[string]string) (packet.Reply, error) {
	return packet.Reply{"status": "success", "result": "pong"}, nil
}

func (self *Baseline) Info(_ context.Context, _ map[string]string) (packet.Reply, error) {
	return packet.Reply{
		"status":      "success",
		"endpoint_id": self.cfg.EndpointID,
		"uptime":      int64(time.Since(self.started).Seconds()),
		"requests":    self.cfg.Guard.Value(),
		"limit":       self.cfg.Guard.Limit(),
		"maintenance": self.maintenance,
	}, nil
}

func (self *Baseline) Wake(_ context.Context, data map[string]string) (packet.Reply, error) {
	mac := data["mac"]
	if "" == mac {
		return packet.Reply{"status": "error", "error": "MAC_ADDRESS_REQUIRED"}, nil
	}
	if self.maintenance {
		return packet.Reply{"status": "error", "error": "MAINTENANCE_ACTIVE"}, nil
	}

	err := self.cfg.SendWOL(self.cfg.WOLAddr, mac)
	if nil != err {
		return nil, wrapError(err, "failed waking %s", mac)
	}
	return packet.Reply{"status": "success", "result": "wol_sent", "mac": mac}, nil
}

func (self *Baseline) CounterInfo(_ context.Context, _ map[string]string) (packet.Reply, error) {
	return packet.Reply{
		"status":   "success",
		"requests": self.cfg.Guard.Value(),
		"limit":    self.cfg.Guard.Limit(),
	}, nil
}

func (self *Baseline) ResetCounter(_ context.Context, _ map[string]string) (packet.Reply, error) {
	err := self.cfg.Guard.Reset()
	if nil != err {
		return nil, wrapError(err, "failed counter reset")
	}
	return packet.Reply{"status": "success", "result": "counter_reset"}, nil
}

// RotateToken generates a new shared secret, persists it together with a
// zeroed counter and arms a restart so the process comes back with the new
// keys.
func (self *Baseline) RotateToken(_ context.Context, _ map[string]string) (packet.Reply, error) {
	if nil == self.cfg.Rotator {
		return packet.Reply{"status": "error", "error": "ROTATION_UNAVAILABLE"}, nil
	}

	raw := make([]byte, packet.MinSecretLen)
	_, err := rand.Read(raw)
	if nil != err {
		return nil, wrapError(err, "failed secret generation")
	}
	secret := hex.EncodeToString(raw)

	err = self.cfg.Rotator.RotateSecret([]byte(secret))
	if nil != err {
		return nil, wrapError(err, "failed secret rotation")
	}
	err = self.cfg.Guard.Reset()
	if nil != err {
		return nil, wrapError(err, "failed counter reset")
	}
	self.sched.Schedule(restartDelay)

	return packet.Reply{
		"status":    "success",
		"result":    "token_updated",
		"new_token": secret,
		"message":   "token updated, restarting in " + restartDelay.String(),
	}, nil
}

func (self *Baseline) Restart(_ context.Context, _ map[string]string) (packet.Reply, error) {
	self.sched.Schedule(restartDelay)
	return packet.Reply{
		"status":  "success",
		"result":  "restarting",
		"message": "restarting in " + restartDelay.String(),
	}, nil
}

// Maintenance toggles the window during which wake commands are refused.
func (self *Baseline) Maintenance(_ context.Context, data map[string]string) (packet.Reply, error) {
	switch data["action"] {
	case "status", "":
		return packet.Reply{"status": "success", "maintenance": self.maintenance}, nil
	case "enable":
		self.maintenance = true
		return packet.Reply{"status": "success", "result": "maintenance_enabled"}, nil
	case "disable":
		self.maintenance = false
		return packet.Reply{"status": "success", "result": "maintenance_disabled"}, nil
	}
	return packet.Reply{"status": "error", "error": "INVALID_ACTION"}, nil
}
