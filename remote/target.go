package remote

import "fmt"

// Target is the immutable configuration of one backend S3 endpoint.
type Target struct {
	// Name uniquely identifies the remote across the proxy's lifetime; it
	// is used in logs, metrics labels, and fan-out reconciliation output.
	Name string `yaml:"name"`

	// Priority orders remotes for the read probe; higher goes first.
	Priority uint32 `yaml:"priority"`

	// ReadRequest marks a remote as eligible for the read probe before
	// remotes with ReadRequest=false are considered.
	ReadRequest bool `yaml:"read_request"`

	S3 Credential `yaml:"s3"`
}

// Credential is the south-face S3 client configuration for one remote.
type Credential struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

const (
	defaultPriority    uint32 = 1
	defaultReadRequest        = true
)

// ApplyDefaults fills in the zero-value defaults for fields the config
// loader left unset; Priority defaults to 1 (not 0, since YAML leaves
// unset integers at the zero value, which would otherwise rank every
// unconfigured remote last).
func (t *Target) ApplyDefaults(priorityWasSet, readRequestWasSet bool) {
	if !priorityWasSet {
		t.Priority = defaultPriority
	}
	if !readRequestWasSet {
		t.ReadRequest = defaultReadRequest
	}
}

func (t Target) validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name must not be empty")
	}
	if t.S3.Endpoint == "" {
		return fmt.Errorf("target %q: s3.endpoint must not be empty", t.Name)
	}
	if t.S3.Bucket == "" {
		return fmt.Errorf("target %q: s3.bucket must not be empty", t.Name)
	}
	return nil
}

// ValidateTargets enforces the two configuration-level invariants from the
// data model: every target name is unique, and at least one target has
// ReadRequest=true (otherwise no read request could ever be served).
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}

	seen := make(map[string]bool, len(targets))
	haveReadable := false
	for _, t := range targets {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if t.ReadRequest {
			haveReadable = true
		}
	}

	if !haveReadable {
		return fmt.Errorf("at least one target must have read_request=true")
	}
	return nil
}
