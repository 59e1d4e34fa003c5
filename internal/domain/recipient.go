package domain

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	RecipientHTTP  = "http"
	RecipientKafka = "kafka"
)

// Recipient is the closed set of delivery targets. Only HTTPRecipient and
// KafkaRecipient implement it.
type Recipient interface {
	Type() string
	Validate() error
	isRecipient()
}

type HTTPRecipient struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// NewHTTPRecipient returns a POST recipient with an empty header map.
func NewHTTPRecipient(rawURL string, payload json.RawMessage) *HTTPRecipient {
	r := &HTTPRecipient{URL: rawURL, Payload: payload}
	r.normalize()
	return r
}

func (r *HTTPRecipient) Type() string { return RecipientHTTP }
func (*HTTPRecipient) isRecipient()   {}

func (r *HTTPRecipient) normalize() {
	if r.Method == "" {
		r.Method = http.MethodPost
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
}

func (r *HTTPRecipient) Validate() error {
	if r.URL == "" {
		return invalid("recipient.url", "is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return invalid("recipient.url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("recipient.url", "scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return invalid("recipient.url", "host is required")
	}
	return nil
}

type KafkaRecipient struct {
	BootstrapServers string            `json:"bootstrapServers"`
	TopicName        string            `json:"topicName"`
	Headers          map[string]string `json:"headers"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
}

func NewKafkaRecipient(bootstrapServers, topic string, payload json.RawMessage) *KafkaRecipient {
	r := &KafkaRecipient{BootstrapServers: bootstrapServers, TopicName: topic, Payload: payload}
	r.normalize()
	return r
}

func (r *KafkaRecipient) Type() string { return RecipientKafka }
func (*KafkaRecipient) isRecipient()   {}

func (r *KafkaRecipient) normalize() {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
}

// Brokers splits the comma separated bootstrap server list.
func (r *KafkaRecipient) Brokers() []string {
	var out []string
	for _, b := range strings.Split(r.BootstrapServers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (r *KafkaRecipient) Validate() error {
	if len(r.Brokers()) == 0 {
		return invalid("recipient.bootstrapServers", "is required")
	}
	if r.TopicName == "" {
		return invalid("recipient.topicName", "is required")
	}
	return nil
}

// MarshalRecipient encodes r with its "type" discriminator.
func MarshalRecipient(r Recipient) ([]byte, error) {
	var body any
	switch v := r.(type) {
	case *HTTPRecipient:
		body = struct {
			Type string `json:"type"`
			*HTTPRecipient
		}{RecipientHTTP, v}
	case *KafkaRecipient:
		body = struct {
			Type string `json:"type"`
			*KafkaRecipient
		}{RecipientKafka, v}
	case nil:
		return []byte("null"), nil
	default:
		return nil, errors.Newf("unknown recipient %T", r)
	}
	return json.Marshal(body)
}

// UnmarshalRecipient decodes a tagged recipient and normalizes its defaults.
func UnmarshalRecipient(data []byte) (Recipient, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, invalid("recipient", "%v", err)
	}
	switch strings.ToLower(head.Type) {
	case RecipientHTTP:
		var r HTTPRecipient
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, invalid("recipient", "%v", err)
		}
		r.normalize()
		return &r, nil
	case RecipientKafka:
		var r KafkaRecipient
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, invalid("recipient", "%v", err)
		}
		r.normalize()
		return &r, nil
	case "":
		return nil, invalid("recipient.type", "is required")
	default:
		return nil, invalid("recipient.type", "unsupported %q", head.Type)
	}
}
