package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Selector keys understood by the built-in extractors. Other keys are kept but
// ignored.
const (
	SelectorItem        = "item"
	SelectorTitle       = "title"
	SelectorDescription = "description"
	SelectorDeadline    = "deadline"
	SelectorAmount      = "amount"
	SelectorLink        = "link"
	SelectorContact     = "contact"
	SelectorSector      = "sector"
	SelectorPublished   = "published"
)

var knownOptionKeys = []string{"selectors", "headers", "keywords", "sector", "currency", "respect_robots"}

// TargetOptions is the typed view over a target's JSON configuration column.
// Keys the engine does not recognize are carried in Extra and written back
// unchanged.
type TargetOptions struct {
	Selectors     map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Keywords      []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Sector        string            `json:"sector,omitempty" yaml:"sector,omitempty"`
	Currency      string            `json:"currency,omitempty" yaml:"currency,omitempty"`
	RespectRobots *bool             `json:"respect_robots,omitempty" yaml:"respect_robots,omitempty"`
	Extra         map[string]any    `json:"-" yaml:",inline"`
}

type plainOptions TargetOptions

// MarshalJSON merges Extra back into the object next to the known keys.
func (o TargetOptions) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(plainOptions(o))
	if err != nil {
		return nil, fmt.Errorf("marshal target options: %w", err)
	}
	if len(o.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]any, len(o.Extra)+len(knownOptionKeys))
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, fmt.Errorf("merge target options: %w", err)
	}
	for k, v := range o.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal target options: %w", err)
	}
	return out, nil
}

// UnmarshalJSON decodes the known keys and stashes the rest in Extra.
func (o *TargetOptions) UnmarshalJSON(data []byte) error {
	var p plainOptions
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: decode target options: %v", ErrConfig, err)
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("%w: decode target options: %v", ErrConfig, err)
	}
	for _, k := range knownOptionKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*o = TargetOptions(p)
	return nil
}

// HTTPHeader converts the configured headers into an http.Header.
func (o TargetOptions) HTTPHeader() http.Header {
	h := make(http.Header, len(o.Headers))
	for k, v := range o.Headers {
		h.Set(k, v)
	}
	return h
}

// Selector returns the trimmed selector for key, or "".
func (o TargetOptions) Selector(key string) string {
	return strings.TrimSpace(o.Selectors[key])
}

func (o TargetOptions) validateFor(t TargetType) error {
	tt, err := ParseTargetType(string(t))
	if err != nil {
		return err
	}
	switch tt {
	case TargetTypeScraping, TargetTypeHeadless, TargetTypeAPI:
		for _, key := range []string{SelectorItem, SelectorTitle} {
			if o.Selector(key) == "" {
				return fmt.Errorf("%w: %s targets require selectors.%s", ErrConfig, tt, key)
			}
		}
	case TargetTypeRSS:
	}
	return nil
}
