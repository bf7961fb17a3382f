package sources

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// defaultPageSize is used when an adapter's options leave PageSize unset.
const defaultPageSize = 100

// defaultRequestTimeout bounds a single upstream request.
const defaultRequestTimeout = 30 * time.Second

// Options is the closed set of per-adapter settings. Unknown keys are
// rejected at construction rather than silently ignored.
type Options struct {
	PageSize       int    `json:"page_size,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	PoliteEmail    string `json:"polite_email,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Validate checks field ranges. Zero values mean "use the default".
func (o Options) Validate() error {
	if o.PageSize < 0 {
		return resilience.Errorf(resilience.KindValidation, "", "page_size must not be negative, got %d", o.PageSize)
	}
	if o.TimeoutSeconds < 0 {
		return resilience.Errorf(resilience.KindValidation, "", "timeout_seconds must not be negative, got %d", o.TimeoutSeconds)
	}
	if o.MaxRetries < 0 {
		return resilience.Errorf(resilience.KindValidation, "", "max_retries must not be negative, got %d", o.MaxRetries)
	}
	if o.PoliteEmail != "" && !strings.Contains(o.PoliteEmail, "@") {
		return resilience.Errorf(resilience.KindValidation, "", "polite_email %q is not an email address", o.PoliteEmail)
	}
	return nil
}

// CanonicalJSON renders the options deterministically. The result feeds
// the query identity hash, so equal options always produce equal strings.
func (o Options) CanonicalJSON() string {
	data, err := json.Marshal(o)
	if err != nil {
		// Options contains only ints and strings; Marshal cannot fail.
		return "{}"
	}
	return string(data)
}

// OptionsFromMap builds Options from a loosely typed map, as received from
// config files or task submissions. Unknown keys and wrong value types are
// validation errors.
func OptionsFromMap(m map[string]interface{}) (Options, error) {
	var opts Options
	for key, value := range m {
		switch key {
		case "page_size":
			n, err := intValue(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.PageSize = n
		case "timeout_seconds":
			n, err := intValue(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.TimeoutSeconds = n
		case "max_retries":
			n, err := intValue(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.MaxRetries = n
		case "api_key":
			s, err := stringValue(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.APIKey = s
		case "polite_email":
			s, err := stringValue(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.PoliteEmail = s
		default:
			return Options{}, resilience.Errorf(resilience.KindValidation, "", "unrecognized option %q", key)
		}
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// pageSize returns the effective records-per-page, clamped to the
// source's maximum.
func (o Options) pageSize(max int) int {
	size := o.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > max {
		size = max
	}
	return size
}

// Timeout returns the effective per-request timeout.
func (o Options) Timeout() time.Duration {
	if o.TimeoutSeconds > 0 {
		return time.Duration(o.TimeoutSeconds) * time.Second
	}
	return defaultRequestTimeout
}

func intValue(key string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, resilience.Errorf(resilience.KindValidation, "", "option %q must be an integer, got %v", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, resilience.Errorf(resilience.KindValidation, "", "option %q must be an integer, got %q", key, v.String())
		}
		return int(n), nil
	default:
		return 0, resilience.Errorf(resilience.KindValidation, "", "option %q must be an integer, got %T", key, value)
	}
}

func stringValue(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", resilience.Errorf(resilience.KindValidation, "", "option %q must be a string, got %T", key, value)
	}
	return s, nil
}
