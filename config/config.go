package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load will find all yaml files within path and load them in lexical order
func (c *C) Load(path string) error {
	c.path = path

	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	return c.parse(raw)
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parse([]string{raw})
}

// RegisterReloadCallback stores a function to be called when a config reload is triggered. The functions registered
// here should decide if they need to make a change to the current process before making the change. HasChanged can be
// used to help decide if a change is necessary.
// These functions should return quickly or spawn their own go routine if they will take a while
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if this is the first load of the config, and ReloadConfig has not been called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged checks if the underlying structure of the provided key has changed after a config reload. The value of
// k in both the old and new settings will be serialized, the result of the string comparison is returned.
// If k is an empty string the entire config is tested.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var (
		nv any
		ov any
	)

	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP will listen for the HUP signal in a go routine and reload all configs found in the
// original path provided to Load. The old settings are shallow copied for change detection after the reload.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	for _, v := range c.callbacks {
		v(c)
	}
}

func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}

	for _, v := range c.callbacks {
		v(c)
	}

	return nil
}

func (c *C) snapshot() {
	c.oldSettings = make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		c.oldSettings[k] = v
	}
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d if not found or invalid
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := 0; i < len(v); i++ {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.ParseInt(r, 0, 0)
	if err != nil {
		return d
	}

	return int(v)
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetUint64(k, uint64(d))
	if r > math.MaxUint32 {
		return d
	}
	return uint32(r)
}

// GetUint64 will get the uint64 for k or return the default d if not found or invalid. Hex and octal literals are
// accepted, so register addresses can be written the way they appear in a datasheet.
func (c *C) GetUint64(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	v, err := strconv.ParseUint(r, 0, 64)
	if err != nil {
		return d
	}
	return v
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch x {
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
	}

	return false, false
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// GetHardwareAddr will get the link layer address for k. A missing key returns nil and no error.
func (c *C) GetHardwareAddr(k string) (net.HardwareAddr, error) {
	r := c.GetString(k, "")
	if r == "" {
		return nil, nil
	}

	mac, err := net.ParseMAC(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return mac, nil
}

// Subs returns a config for every map in the list at k. Change detection on a sub config compares against the entry
// at the same index before the last reload.
func (c *C) Subs(k string) []*C {
	nl, _ := c.Get(k).([]any)
	var ol []any
	if c.oldSettings != nil {
		ol, _ = c.get(k, c.oldSettings).([]any)
	}

	subs := make([]*C, 0, len(nl))
	for i, v := range nl {
		m, ok := v.(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		s := &C{Settings: m, l: c.l}
		if c.oldSettings != nil {
			s.oldSettings = map[string]any{}
			if i < len(ol) {
				if om, ok := ol[i].(map[string]any); ok {
					s.oldSettings = om
				}
			}
		}
		subs = append(subs, s)
	}
	return subs
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

// parse merges every document in raw, in order. Later documents win for scalars, lists are appended so a port
// can be added in a separate file.
func (c *C) parse(raw []string) error {
	var m map[string]any

	for _, r := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(r), &nm); err != nil {
			return err
		}

		err := mergo.Merge(&nm, m, mergo.WithAppendSlice)
		m = nm
		if err != nil {
			return err
		}
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}
