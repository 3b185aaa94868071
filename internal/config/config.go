package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
)

const DefaultFileName = "smartess.hcl"

type Config struct {
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device DeviceConfig `hcl:"device"`
	Mqtt   MqttConfig   `hcl:"mqtt"`
	Log    struct {
		Debug bool   `hcl:"debug"`
		File  string `hcl:"file"`
	} `hcl:"log"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
}

type DeviceConfig struct {
	Listen      string `hcl:"listen"`
	Simulated   bool   `hcl:"simulated"`
	UpdateSec   int    `hcl:"update_sec"`
	QueueSize   int    `hcl:"queue_size"`
	MaxFrame    int    `hcl:"max_frame"`
	FrameGapMs  int    `hcl:"frame_gap_ms"`
	CapturePath string `hcl:"capture_path"`
}

type MqttConfig struct { //nolint:maligned
	Broker            string `hcl:"broker"`
	EnableAuth        bool   `hcl:"enable_auth"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	Topic             string `hcl:"topic"`
	ClientID          string `hcl:"client_id"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	BackoffUnitMs     int    `hcl:"backoff_unit_ms"`
	BackoffMax        int    `hcl:"backoff_max"`
	OutboxPath        string `hcl:"outbox_path"`
	OutboxLimit       int    `hcl:"outbox_limit"`
	CommandTopic      string `hcl:"command_topic"`
	LogDebug          bool   `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Default values match the original conf.ini defaults.
func Default() *Config {
	c := &Config{}
	c.Device.Listen = ":8899"
	c.Device.Simulated = true
	c.Device.UpdateSec = 10
	c.Device.QueueSize = 64
	c.Device.MaxFrame = 1024
	c.Device.FrameGapMs = 2000
	c.Mqtt.Broker = "tcp://172.16.2.1:1883"
	c.Mqtt.Topic = "paxyhome/Inverter/"
	c.Mqtt.KeepaliveSec = 60
	c.Mqtt.NetworkTimeoutSec = 30
	c.Mqtt.BackoffUnitMs = 1000
	c.Mqtt.BackoffMax = 60
	c.Mqtt.OutboxLimit = 10000
	c.Mqtt.CommandTopic = "command"
	return c
}

func (c *Config) UpdateInterval() time.Duration {
	return helpers.DurationDefault(c.Device.UpdateSec, time.Second, 10*time.Second)
}

// FrameGap is read silence after which partially received frame is dropped.
func (c *DeviceConfig) FrameGap() time.Duration {
	return helpers.DurationDefault(c.FrameGapMs, time.Millisecond, 2*time.Second)
}

func (c *MqttConfig) BackoffUnit() time.Duration {
	return helpers.DurationDefault(c.BackoffUnitMs, time.Millisecond, time.Second)
}

func (c *MqttConfig) KeepAlive() time.Duration {
	return helpers.DurationDefault(c.KeepaliveSec, time.Second, 60*time.Second)
}

func (c *MqttConfig) NetworkTimeout() time.Duration {
	return helpers.DurationDefault(c.NetworkTimeoutSec, time.Second, 30*time.Second)
}

// Credentials returns username and password only when auth is enabled.
func (c *MqttConfig) Credentials() (string, string) {
	if !c.EnableAuth {
		return "", ""
	}
	return c.Username, c.Password
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.Listen == "" {
		errs = append(errs, errors.NotValidf("config device.listen=empty"))
	}
	if c.Device.QueueSize <= 0 {
		errs = append(errs, errors.NotValidf("config device.queue_size=%d", c.Device.QueueSize))
	}
	if c.Device.MaxFrame < 6 || c.Device.MaxFrame > 6+0xffff {
		errs = append(errs, errors.NotValidf("config device.max_frame=%d", c.Device.MaxFrame))
	}
	if c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config mqtt.broker=empty"))
	}
	if c.Mqtt.BackoffMax < 1 {
		errs = append(errs, errors.NotValidf("config mqtt.backoff_max=%d", c.Mqtt.BackoffMax))
	}
	if c.Mqtt.EnableAuth && c.Mqtt.Username == "" {
		errs = append(errs, errors.NotValidf("config mqtt.enable_auth=true with username=empty"))
	}
	return helpers.FoldErrors(errs)
}

// Read applies sources in order over defaults, then validates.
// Included sources apply right after the source including them.
func Read(log *log2.Log, ld Loader, names ...string) (*Config, error) {
	if len(names) == 0 {
		panic("code error config.Read without names")
	}
	c := Default()
	errs := make([]error, 0, 8)
	seen := make(map[string]struct{}, len(names))
	// stack top is last, push in reverse to keep order
	stack := make([]include, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		stack = append(stack, include{Source: Source{Name: names[i]}})
	}
	for len(stack) != 0 {
		inc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := ld.Resolve(inc.Name)
		if _, ok := seen[key]; ok {
			if inc.from == "" {
				errs = append(errs, errors.Errorf("config duplicate source=%s", inc.Name))
			} else {
				errs = append(errs, errors.Errorf("config include loop from=%s include=%s", inc.from, inc.Name))
			}
			continue
		}
		seen[key] = struct{}{}
		log.Debugf("config source=%s key=%s", inc.Name, key)

		b, err := ld.Load(key)
		switch {
		case err != nil:
			errs = append(errs, errors.Annotatef(err, "config source=%s", inc.Name))
			continue
		case b == nil:
			if !inc.Optional {
				errs = append(errs, errors.NotFoundf("config required name=%s path=%s", inc.Name, key))
			}
			continue
		}
		if err = hcl.Unmarshal(b, c); err != nil {
			errs = append(errs, errors.Annotatef(err, "config unmarshal source=%s", inc.Name))
			continue
		}
		more := c.XXX_Include
		c.XXX_Include = nil
		for i := len(more) - 1; i >= 0; i-- {
			stack = append(stack, include{Source: more[i], from: inc.Name})
		}
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

// ReadFile reads path, includes are relative to its directory.
func ReadFile(log *log2.Log, path string) (*Config, error) {
	dir, name := filepath.Split(path)
	return Read(log, DirLoader{Dir: dir}, name)
}

type include struct {
	Source
	from string
}
