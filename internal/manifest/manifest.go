// ============================================================================
// relaunchd Manifest - Job Descriptor ingestion
// ============================================================================
//
// Package: internal/manifest
// File: manifest.go
// Purpose: Turn a JSON job manifest into a validated JobDescriptor.
//
// The supervisor core never re-validates a descriptor it receives from this
// package. Everything that can be checked without touching the OS (label
// format, program/argument consistency, socket stanza shape) is checked here;
// capability checks that depend on the platform (which socket families can
// actually be bound) happen at bind time in internal/activation.
//
// ============================================================================

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

const (
	// DefaultExitTimeout is how long a stopping job may take before SIGKILL.
	DefaultExitTimeout = 20 * time.Second
	// DefaultThrottleInterval is the minimum run time before an immediate respawn.
	DefaultThrottleInterval = 10 * time.Second
	// DevNull is the default for every standard stream.
	DevNull = "/dev/null"
)

// unsupportedKeys are launchd keys that parse fine elsewhere but have no
// implementation here; accepting them silently would drop behavior.
var unsupportedKeys = []string{
	"WatchPaths",
	"QueueDirectories",
	"StartOnMount",
	"StartCalendarInterval",
}

// KeepAlive is the respawn policy. In a manifest it is either a bool or an
// object with an "Always" key.
type KeepAlive struct {
	Always bool `json:"Always"`
}

// UnmarshalJSON accepts both manifest forms.
func (k *KeepAlive) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		k.Always = flag
		return nil
	}
	var obj struct {
		Always *bool `json:"Always"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("KeepAlive must be a bool or an object: %w", err)
	}
	if obj.Always != nil {
		k.Always = *obj.Always
	}
	return nil
}

// Umask is a file mode creation mask, written as a number or an octal string.
type Umask uint32

// UnmarshalJSON accepts 18 as well as "022".
func (u *Umask) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		*u = Umask(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("Umask must be an integer or an octal string")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("Umask %q is not octal", s)
	}
	*u = Umask(v)
	return nil
}

// JobDescriptor is the launch description of one job. It does not change
// after load except for Disabled, which enable/disable toggle.
type JobDescriptor struct {
	Label                types.Label
	Program              string
	ProgramArguments     []string
	WorkingDirectory     string
	RootDirectory        string
	EnvironmentVariables map[string]string
	Umask                *Umask
	UserName             string
	GroupName            string
	InitGroups           bool
	Nice                 int
	StandardInPath       string
	StandardOutPath      string
	StandardErrorPath    string
	RunAtLoad            bool
	KeepAlive            KeepAlive
	Disabled             bool
	ExitTimeout          time.Duration
	ThrottleInterval     time.Duration
	StartInterval        time.Duration
	AbandonProcessGroup  bool
	Sockets              []*SocketDescriptor

	// Path is the file the descriptor was read from, empty for submitted jobs.
	Path string

	exitTimeoutSet bool
	throttleSet    bool
}

// Defaults are the timing values used for keys a manifest leaves out.
type Defaults struct {
	ExitTimeout      time.Duration
	ThrottleInterval time.Duration
}

// ApplyDefaults replaces the built-in timing defaults with def for every key
// the manifest did not set. Zero fields of def are ignored.
func (d *JobDescriptor) ApplyDefaults(def Defaults) {
	if !d.exitTimeoutSet && def.ExitTimeout > 0 {
		d.ExitTimeout = def.ExitTimeout
	}
	if !d.throttleSet && def.ThrottleInterval > 0 {
		d.ThrottleInterval = def.ThrottleInterval
	}
}

// OnDemand reports whether the job waits for a connection before spawning.
func (d *JobDescriptor) OnDemand() bool {
	return len(d.Sockets) > 0 && !d.RunAtLoad
}

// rawManifest mirrors the on-disk document.
type rawManifest struct {
	Label                *string                    `json:"Label"`
	Program              string                     `json:"Program"`
	ProgramArguments     []string                   `json:"ProgramArguments"`
	WorkingDirectory     string                     `json:"WorkingDirectory"`
	RootDirectory        string                     `json:"RootDirectory"`
	EnvironmentVariables map[string]string          `json:"EnvironmentVariables"`
	Umask                *Umask                     `json:"Umask"`
	UserName             string                     `json:"UserName"`
	GroupName            string                     `json:"GroupName"`
	InitGroups           bool                       `json:"InitGroups"`
	Nice                 int                        `json:"Nice"`
	StandardInPath       string                     `json:"StandardInPath"`
	StandardOutPath      string                     `json:"StandardOutPath"`
	StandardErrorPath    string                     `json:"StandardErrorPath"`
	RunAtLoad            bool                       `json:"RunAtLoad"`
	KeepAlive            KeepAlive                  `json:"KeepAlive"`
	Disabled             bool                       `json:"Disabled"`
	ExitTimeout          *uint32                    `json:"ExitTimeout"`
	ThrottleInterval     *uint32                    `json:"ThrottleInterval"`
	StartInterval        uint32                     `json:"StartInterval"`
	AbandonProcessGroup  bool                       `json:"AbandonProcessGroup"`
	Sockets              map[string]json.RawMessage `json:"Sockets"`
}

// Parse validates a manifest document and returns its descriptor.
func Parse(data []byte) (*JobDescriptor, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &ValidationError{Err: err}
	}
	for _, k := range unsupportedKeys {
		if _, ok := keys[k]; ok {
			return nil, &ValidationError{Field: k, Err: ErrUnsupportedKey}
		}
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Err: err}
	}

	return raw.rectify()
}

// ParseFile reads and validates one manifest file.
func ParseFile(path string) (*JobDescriptor, error) {
	if filepath.Ext(path) != ".json" {
		return nil, &ValidationError{Path: path, Err: ErrNotManifest}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Path: path, Err: err}
	}
	d, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
		}
		return nil, err
	}
	d.Path = path
	return d, nil
}

// ParseDir parses every .json file directly inside dir, in lexical order.
// A bad manifest does not prevent the others from being returned; all
// failures are joined into the returned error.
func ParseDir(dir string) ([]*JobDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var (
		out  []*JobDescriptor
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		d, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// FromMap builds a descriptor from an already decoded document, as sent by
// `launchctl submit`.
func FromMap(m map[string]any) (*JobDescriptor, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	return Parse(data)
}

// rectify fills in defaults and checks the fields the core relies on.
func (r *rawManifest) rectify() (*JobDescriptor, error) {
	if r.Label == nil || *r.Label == "" {
		return nil, invalid("Label", "missing required key")
	}
	if strings.Contains(*r.Label, "/") {
		return nil, invalid("Label", "%q must not contain '/'", *r.Label)
	}

	d := &JobDescriptor{
		Label:                types.Label(*r.Label),
		Program:              r.Program,
		ProgramArguments:     r.ProgramArguments,
		WorkingDirectory:     r.WorkingDirectory,
		RootDirectory:        r.RootDirectory,
		EnvironmentVariables: r.EnvironmentVariables,
		Umask:                r.Umask,
		UserName:             r.UserName,
		GroupName:            r.GroupName,
		InitGroups:           r.InitGroups,
		Nice:                 r.Nice,
		StandardInPath:       orDefault(r.StandardInPath, DevNull),
		StandardOutPath:      orDefault(r.StandardOutPath, DevNull),
		StandardErrorPath:    orDefault(r.StandardErrorPath, DevNull),
		RunAtLoad:            r.RunAtLoad,
		KeepAlive:            r.KeepAlive,
		Disabled:             r.Disabled,
		ExitTimeout:          DefaultExitTimeout,
		ThrottleInterval:     DefaultThrottleInterval,
		StartInterval:        time.Duration(r.StartInterval) * time.Second,
		AbandonProcessGroup:  r.AbandonProcessGroup,
	}
	if r.ExitTimeout != nil {
		d.ExitTimeout = time.Duration(*r.ExitTimeout) * time.Second
		d.exitTimeoutSet = true
	}
	if r.ThrottleInterval != nil {
		d.ThrottleInterval = time.Duration(*r.ThrottleInterval) * time.Second
		d.throttleSet = true
	}

	switch {
	case d.Program == "" && len(d.ProgramArguments) == 0:
		return nil, invalid("Program", "one of Program or ProgramArguments is required")
	case d.Program == "":
		d.Program = d.ProgramArguments[0]
	case len(d.ProgramArguments) == 0:
		d.ProgramArguments = []string{d.Program}
	}
	if d.Program == "" {
		return nil, invalid("ProgramArguments", "first argument is empty")
	}

	if d.GroupName != "" && d.UserName == "" {
		return nil, invalid("GroupName", "requires UserName")
	}
	if d.Nice < -20 || d.Nice > 19 {
		return nil, invalid("Nice", "%d is outside -20..19", d.Nice)
	}

	names := make([]string, 0, len(r.Sockets))
	for name := range r.Sockets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		socks, err := parseSocketEntry(name, r.Sockets[name])
		if err != nil {
			return nil, err
		}
		d.Sockets = append(d.Sockets, socks...)
	}

	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
